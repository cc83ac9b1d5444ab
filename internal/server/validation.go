package server

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"photovault/internal/models"
)

const (
	maxMetadataEntries    = 32
	maxMetadataValueBytes = 1024
	maxReportIDLength     = 128
	maxFilenameLength     = 255
)

var (
	metadataKeyRegex = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)
	reportIDRegex    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)
)

var reservedMetadataKeys = map[string]struct{}{
	models.MetaOwnerID:      {},
	models.MetaOriginalName: {},
	models.MetaUploadedAt:   {},
	models.MetaClientID:     {},
	models.MetaVariantOf:    {},
	models.MetaVariant:      {},
}

func validateReportID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", badRequestCode(fmt.Errorf("reportId is required"), ErrCodeMissingRequired)
	}
	if len(id) > maxReportIDLength || !reportIDRegex.MatchString(id) {
		return "", badRequestCode(fmt.Errorf("invalid reportId"), ErrCodeInvalidID)
	}
	return id, nil
}

func validateFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", badRequestCode(fmt.Errorf("filename is required"), ErrCodeMissingRequired)
	}
	if len(name) > maxFilenameLength || !utf8.ValidString(name) || strings.ContainsAny(name, "/\\\x00") {
		return "", badRequestCode(fmt.Errorf("invalid filename"), ErrCodeInvalidArgument)
	}
	return name, nil
}

// validateMetadata checks caller-supplied metadata. Reserved keys are owned
// by the server and may not be set by clients.
func validateMetadata(meta map[string]string) error {
	if len(meta) > maxMetadataEntries {
		return badRequestCode(fmt.Errorf("at most %d metadata entries are allowed", maxMetadataEntries), ErrCodeInvalidMetadata)
	}
	for key, value := range meta {
		if !metadataKeyRegex.MatchString(key) {
			return badRequestCode(fmt.Errorf("invalid metadata key %q", key), ErrCodeInvalidMetadata)
		}
		if _, ok := reservedMetadataKeys[key]; ok {
			return badRequestCode(fmt.Errorf("metadata key %q is reserved", key), ErrCodeInvalidMetadata)
		}
		if len(value) > maxMetadataValueBytes || !utf8.ValidString(value) {
			return badRequestCode(fmt.Errorf("invalid metadata value for %q", key), ErrCodeInvalidMetadata)
		}
	}
	return nil
}
