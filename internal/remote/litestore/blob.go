package litestore

import (
	"strings"

	"github.com/google/uuid"
)

const blobURLPrefix = "lite://blobs/"

func newBlobID() string {
	return uuid.NewString()
}

func blobIDFromURL(url string) (string, bool) {
	id, ok := strings.CutPrefix(url, blobURLPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
