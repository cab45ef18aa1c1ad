package storage

import (
	"crypto/md5"
	"encoding/hex"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DocID derives the stable id of a document from its content.
func DocID(content string) string {
	return "doc-" + md5Hex(content)
}

// ChunkID derives a chunk id scoped to its document, so identical chunk
// content in different documents never collides.
func ChunkID(docID, content string) string {
	return "chunk-" + md5Hex(docID + "::" + content)
}

// EntityID derives an entity id from its (already normalized) name.
func EntityID(name string) string {
	return "ent-" + md5Hex(name)
}
