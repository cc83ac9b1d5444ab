package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"photovault/internal/models"
)

// testStore creates a temporary store for testing.
func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insertTestObject(t *testing.T, st *Store, id, key, filename string, segments [][]byte, meta map[string]string, variantOf string) {
	t.Helper()
	record := &ObjectRecord{
		Key:       key,
		VariantOf: variantOf,
		Info: models.ObjectInfo{
			ID:          id,
			Bucket:      models.DefaultBucket,
			Filename:    filename,
			ContentType: "image/jpeg",
			SegmentSize: 4,
			Metadata:    meta,
		},
	}
	batch := make([]Segment, 0, len(segments))
	for i, seg := range segments {
		batch = append(batch, Segment{Seq: i, Data: seg, Checksum: "sum"})
		record.Info.SizeBytes += int64(len(seg))
	}
	record.Info.SegmentCount = len(segments)
	if err := st.WriteSegments(context.Background(), key, batch); err != nil {
		t.Fatalf("write segments %s: %v", id, err)
	}
	if _, err := st.CommitObject(context.Background(), record); err != nil {
		t.Fatalf("commit %s: %v", id, err)
	}
}

func TestInsertAndGetObject(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	insertTestObject(t, st, "obj-1", "key-1", "a.jpg", [][]byte{[]byte("abcd"), []byte("ef")}, map[string]string{models.MetaOwnerID: "r1"}, "")

	got, err := st.GetObject(ctx, models.DefaultBucket, "obj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected object, got nil")
	}
	if got.Key != "key-1" || got.Info.SizeBytes != 6 || got.Info.SegmentCount != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Info.OwnerID() != "r1" {
		t.Fatalf("expected owner r1, got %q", got.Info.OwnerID())
	}

	data, checksum, err := st.ReadSegment(ctx, "key-1", 1)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if string(data) != "ef" || checksum != "sum" {
		t.Fatalf("unexpected segment %q %q", data, checksum)
	}

	if _, _, err := st.ReadSegment(ctx, "key-1", 2); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found for missing segment, got %v", err)
	}

	missing, err := st.GetObject(ctx, models.DefaultBucket, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing object, got %+v", missing)
	}
}

func TestUncommittedSegmentsArePurged(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.WriteSegments(ctx, "key-x", []Segment{{Seq: 0, Data: []byte("data"), Checksum: "sum"}}); err != nil {
		t.Fatalf("write segments: %v", err)
	}
	got, err := st.GetObject(ctx, models.DefaultBucket, "obj-x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("object row should not exist before commit")
	}

	purged, err := st.PurgeOrphanSegments(ctx, nil)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 orphan segment purged, got %d", purged)
	}
	if _, _, err := st.ReadSegment(ctx, "key-x", 0); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("segment should be gone after purge, got %v", err)
	}
}

func TestWriteSegmentsRejectsDuplicateSeq(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	seg := Segment{Seq: 0, Data: []byte("data"), Checksum: "sum"}
	if err := st.WriteSegments(ctx, "key-d", []Segment{seg, seg}); err == nil {
		t.Fatal("expected duplicate segment to fail")
	}
	if _, _, err := st.ReadSegment(ctx, "key-d", 0); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("failed batch should roll back, got %v", err)
	}
}

func TestCommitObjectReplacesExisting(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	insertTestObject(t, st, "thumb-1", "key-old", "t.jpg", [][]byte{[]byte("old")}, nil, "obj-1")

	if err := st.WriteSegments(ctx, "key-new", []Segment{{Seq: 0, Data: []byte("new"), Checksum: "sum"}}); err != nil {
		t.Fatalf("write segments: %v", err)
	}
	record := &ObjectRecord{Key: "key-new", VariantOf: "obj-1", Info: models.ObjectInfo{ID: "thumb-1", Bucket: models.DefaultBucket, Filename: "t.jpg", ContentType: "image/jpeg"}}
	replaced, err := st.CommitObject(ctx, record)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(replaced) != 1 || replaced[0] != "key-old" {
		t.Fatalf("expected key-old replaced, got %v", replaced)
	}

	got, err := st.GetObject(ctx, models.DefaultBucket, "thumb-1")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.Key != "key-new" {
		t.Fatalf("expected key-new, got %q", got.Key)
	}
}

func TestDeleteObjectRemovesVariants(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	insertTestObject(t, st, "obj-1", "key-1", "a.jpg", [][]byte{[]byte("abcd")}, nil, "")
	insertTestObject(t, st, "thumb-obj-1", "key-2", "a.jpg", [][]byte{[]byte("ab")}, nil, "obj-1")

	keys, err := st.DeleteObject(ctx, models.DefaultBucket, "obj-1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
	for _, id := range []string{"obj-1", "thumb-obj-1"} {
		got, err := st.GetObject(ctx, models.DefaultBucket, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got != nil {
			t.Fatalf("%s should be gone", id)
		}
	}

	// Segments stay until purged.
	if _, _, err := st.ReadSegment(ctx, "key-1", 0); err != nil {
		t.Fatalf("segment should remain until purge: %v", err)
	}
	if err := st.DeleteSegments(ctx, keys...); err != nil {
		t.Fatalf("delete segments: %v", err)
	}
	if _, _, err := st.ReadSegment(ctx, "key-1", 0); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected segment gone, got %v", err)
	}

	again, err := st.DeleteObject(ctx, models.DefaultBucket, "obj-1")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no keys on second delete, got %v", again)
	}
}

func TestPurgeOrphanSegments(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	insertTestObject(t, st, "obj-1", "key-1", "a.jpg", [][]byte{[]byte("abcd")}, nil, "")
	insertTestObject(t, st, "obj-2", "key-2", "b.jpg", [][]byte{[]byte("abcd")}, nil, "")
	insertTestObject(t, st, "obj-3", "key-3", "c.jpg", [][]byte{[]byte("abcd")}, nil, "")
	for _, id := range []string{"obj-2", "obj-3"} {
		if _, err := st.DeleteObject(ctx, models.DefaultBucket, id); err != nil {
			t.Fatalf("delete %s: %v", id, err)
		}
	}

	purged, err := st.PurgeOrphanSegments(ctx, []string{"key-3"})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged segment, got %d", purged)
	}
	if _, _, err := st.ReadSegment(ctx, "key-1", 0); err != nil {
		t.Fatalf("live segment purged: %v", err)
	}
	if _, _, err := st.ReadSegment(ctx, "key-3", 0); err != nil {
		t.Fatalf("kept segment purged: %v", err)
	}
}

func TestFindObjects(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	insertTestObject(t, st, "obj-1", "key-1", "Harbor.JPG", [][]byte{[]byte("a")}, map[string]string{models.MetaOwnerID: "r1", "camera": "x100"}, "")
	time.Sleep(2 * time.Millisecond)
	insertTestObject(t, st, "obj-2", "key-2", "street.png", [][]byte{[]byte("b")}, map[string]string{models.MetaOwnerID: "r2"}, "")
	insertTestObject(t, st, "thumb-obj-1", "key-3", "Harbor.JPG", [][]byte{[]byte("c")}, nil, "obj-1")

	all, err := st.FindObjects(ctx, models.DefaultBucket, ObjectFilter{})
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 originals, got %d", len(all))
	}
	if all[0].ID != "obj-2" {
		t.Fatalf("expected newest first, got %s", all[0].ID)
	}

	cases := []struct {
		name   string
		filter ObjectFilter
		want   []string
	}{
		{name: "exact filename ignores case", filter: ObjectFilter{FilenameEquals: "harbor.jpg"}, want: []string{"obj-1"}},
		{name: "filename contains", filter: ObjectFilter{FilenameContains: "STREET"}, want: []string{"obj-2"}},
		{name: "owner", filter: ObjectFilter{OwnerID: "r1"}, want: []string{"obj-1"}},
		{name: "metadata", filter: ObjectFilter{Metadata: map[string]string{"camera": "x100"}}, want: []string{"obj-1"}},
		{name: "content type", filter: ObjectFilter{ContentTypeContains: "jpeg"}, want: []string{"obj-2", "obj-1"}},
		{name: "limit", filter: ObjectFilter{Limit: 1}, want: []string{"obj-2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := st.FindObjects(ctx, models.DefaultBucket, tc.filter)
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %d objects", tc.want, len(got))
			}
			for i, id := range tc.want {
				if got[i].ID != id {
					t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}

	if _, err := st.FindObjects(ctx, models.DefaultBucket, ObjectFilter{Metadata: map[string]string{"bad key')": "x"}}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for bad metadata key, got %v", err)
	}
}

func TestReportPhotoLinks(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	link := &models.ReportPhoto{ReportID: "rep-1", BlobID: "obj-1", Filename: "a.jpg", ContentType: "image/jpeg", ClientID: "c-1", Metadata: map[string]string{"k": "v"}}
	if err := st.LinkReportPhoto(ctx, link); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := st.LinkReportPhoto(ctx, &models.ReportPhoto{ReportID: "rep-1", BlobID: "obj-1", Filename: "dup.jpg"}); err != nil {
		t.Fatalf("duplicate link: %v", err)
	}

	links, err := st.ListReportPhotos(ctx, "rep-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("expected 1 link, got %d", len(links))
	}
	if links[0].Filename != "a.jpg" || links[0].ClientID != "c-1" || links[0].Metadata["k"] != "v" {
		t.Fatalf("unexpected link: %+v", links[0])
	}

	if err := st.LinkReportPhoto(ctx, &models.ReportPhoto{BlobID: "obj-1"}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument without report id, got %v", err)
	}

	if err := st.UnlinkBlob(ctx, "obj-1"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	links, err = st.ListReportPhotos(ctx, "rep-1")
	if err != nil {
		t.Fatalf("list after unlink: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("expected no links after unlink, got %d", len(links))
	}
}

func TestStoreInfo(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	insertTestObject(t, st, "obj-1", "key-1", "a.jpg", [][]byte{[]byte("abcd")}, nil, "")
	insertTestObject(t, st, "thumb-obj-1", "key-2", "a.jpg", [][]byte{[]byte("ab")}, nil, "obj-1")

	info, err := st.StoreInfo(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.SchemaVersion != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), info.SchemaVersion)
	}
	if info.TotalObjects != 1 || info.ObjectBytes[models.DefaultBucket] != 4 {
		t.Fatalf("unexpected info: %+v", info)
	}
}
