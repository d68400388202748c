package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func Test_prefixEnd(t *testing.T) {
	assert.Equal(t, []byte("room;"), prefixEnd([]byte("room:")))
	assert.Equal(t, []byte("b"), prefixEnd([]byte{'a', 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff, 0xff}))
}

func Test_isSerializationFailure(t *testing.T) {
	tcases := []struct {
		name     string
		err      error
		expected bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("commit: %w", &pq.Error{Code: "40P01"}), true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, isSerializationFailure(tc.err))
		})
	}
}

func Test_scanQuery(t *testing.T) {
	query, args := scanQuery([]byte("comment:r1:"), ScanOptions{Reverse: true, After: []byte("comment:r1:5"), Limit: 10})
	assert.Equal(t,
		"SELECT key, value FROM kv_records WHERE key >= $1 AND key < $2 AND key < $3"+
			" AND (expires_at IS NULL OR expires_at > now()) ORDER BY key DESC LIMIT 10",
		query)
	assert.Equal(t, []any{[]byte("comment:r1:"), []byte("comment:r1;"), []byte("comment:r1:5")}, args)

	query, args = scanQuery([]byte("conn:"), ScanOptions{})
	assert.Equal(t,
		"SELECT key, value FROM kv_records WHERE key >= $1 AND key < $2"+
			" AND (expires_at IS NULL OR expires_at > now()) ORDER BY key ASC",
		query)
	assert.Len(t, args, 2)
}
