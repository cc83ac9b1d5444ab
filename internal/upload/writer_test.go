package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"photovault/internal/models"
)

func TestWriteRejectsOutOfRangeIndex(t *testing.T) {
	p := testPipeline(t, Limits{})
	s := p.create(t, 2)

	for _, index := range []int{-1, 2, 100} {
		if _, err := p.writer.Write(context.Background(), s.ID, index, strings.NewReader("x")); !errors.Is(err, models.ErrInvalidArgument) {
			t.Fatalf("index %d: expected invalid argument, got %v", index, err)
		}
	}
	if _, err := p.writer.Write(context.Background(), "missing", 0, strings.NewReader("x")); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found for unknown session, got %v", err)
	}
}

func TestWriteEnforcesSizeLimits(t *testing.T) {
	p := testPipeline(t, Limits{MaxChunkBytes: 4, MaxObjectBytes: 6})
	s := p.create(t, 3)
	ctx := context.Background()

	if _, err := p.writer.Write(ctx, s.ID, 0, strings.NewReader("12345")); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("expected oversized chunk rejected, got %v", err)
	}
	p.write(t, s.ID, 0, "1234")
	_, err := p.writer.Write(ctx, s.ID, 1, strings.NewReader("567"))
	if !errors.Is(err, models.ErrInvalidArgument) || !strings.Contains(err.Error(), "upload exceeds") {
		t.Fatalf("expected object size rejection, got %v", err)
	}
	p.write(t, s.ID, 1, "56")

	// Rewriting an index counts only its new length.
	p.write(t, s.ID, 0, "12")
	p.write(t, s.ID, 2, "78")
	if got := s.Status().ReceivedBytes; got != 6 {
		t.Fatalf("expected 6 received bytes, got %d", got)
	}
}

func TestRewriteIndexUsesLastBytes(t *testing.T) {
	p := testPipeline(t, Limits{})
	s := p.create(t, 2)

	p.write(t, s.ID, 0, "first-version")
	p.write(t, s.ID, 1, "-tail")
	progress := p.write(t, s.ID, 0, "second")
	if progress.Received != 2 || progress.TotalChunks != 2 {
		t.Fatalf("rewrite must not double count: %+v", progress)
	}

	info, err := p.assembler.Complete(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := readObject(t, p, info.ID); got != "second-tail" {
		t.Fatalf("expected last write to win, got %q", got)
	}
}

func TestConcurrentWritesToDifferentIndices(t *testing.T) {
	p := testPipeline(t, Limits{})
	const total = 32
	s := p.create(t, total)

	var wg sync.WaitGroup
	errs := make(chan error, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := p.writer.Write(context.Background(), s.ID, i, strings.NewReader(fmt.Sprintf("[%02d]", i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write: %v", err)
	}
	if s.Received() != total {
		t.Fatalf("expected %d received, got %d", total, s.Received())
	}

	info, err := p.assembler.Complete(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	var want strings.Builder
	for i := 0; i < total; i++ {
		fmt.Fprintf(&want, "[%02d]", i)
	}
	if got := readObject(t, p, info.ID); got != want.String() {
		t.Fatalf("assembled bytes out of order: %q", got)
	}
}

func TestConcurrentWritesToSameIndex(t *testing.T) {
	p := testPipeline(t, Limits{})
	s := p.create(t, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = p.writer.Write(context.Background(), s.ID, 0, strings.NewReader(strings.Repeat(string(rune('a'+i)), 16)))
		}(i)
	}
	wg.Wait()

	info, err := p.assembler.Complete(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	got := readObject(t, p, info.ID)
	if len(got) != 16 || strings.Count(got, got[:1]) != 16 {
		t.Fatalf("same-index writes must not interleave, got %q", got)
	}
}

func TestWriteBatchReportsPerItem(t *testing.T) {
	p := testPipeline(t, Limits{MaxChunkBytes: 4})
	s := p.create(t, 3)

	results, progress, err := p.writer.WriteBatch(context.Background(), s.ID, []ChunkInput{
		{Index: 0, Reader: strings.NewReader("aaaa")},
		{Index: 1, Reader: strings.NewReader("too long")},
		{Index: 7, Reader: strings.NewReader("b")},
		{Index: 2, Reader: strings.NewReader("cc")},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if results[0].Err != nil || results[3].Err != nil {
		t.Fatalf("expected items 0 and 3 to succeed: %+v", results)
	}
	if !errors.Is(results[1].Err, models.ErrInvalidArgument) || !errors.Is(results[2].Err, models.ErrInvalidArgument) {
		t.Fatalf("expected items 1 and 2 to fail: %+v", results)
	}
	if progress.Received != 2 || progress.TotalChunks != 3 {
		t.Fatalf("unexpected progress %+v", progress)
	}

	if _, _, err := p.writer.WriteBatch(context.Background(), "missing", nil); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found for unknown session, got %v", err)
	}
}

func readObject(t *testing.T, p *pipeline, id string) string {
	t.Helper()
	rc, _, err := p.blobs.Get(context.Background(), id, "")
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", id, err)
	}
	return string(data)
}
