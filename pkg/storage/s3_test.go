package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestArchiveKey(t *testing.T) {
	at := time.Date(2025, 2, 3, 23, 30, 0, 0, time.FixedZone("CET", 3600))

	assert.Equal(t, "ledger/org-1/LEAD/2025/02/tx-9.json", ArchiveKey("org-1", "LEAD", "tx-9", at))
	assert.Equal(t, "ledger/org-1/a_b/2025/02/tx-9.json", ArchiveKey("org-1", "a/b", "tx-9", at))
	assert.Equal(t, "ledger/org-1/_/2025/02/tx-9.json", ArchiveKey("org-1", " ", "tx-9", at))
}

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{Region: "eu-west-1"}, nil)
	assert.Error(t, err)
}
