package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func int64p(v int64) *int64 { return &v }

func TestInsertLookupRemove(t *testing.T) {
	s := New()
	s.Insert("a", Entry{Value: []byte("1")})

	e, ok := s.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), e.Value)

	_, ok = s.Lookup("missing")
	assert.False(t, ok)

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
}

func TestExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt *int64
		now       int64
		want      bool
	}{
		{"no ttl", nil, 1000, false},
		{"not yet expired", int64p(1000), 999, false},
		{"exactly at boundary", int64p(1000), 1000, false},
		{"expired", int64p(1000), 1001, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Entry{ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.want, e.Expired(tt.now))
		})
	}
}

func TestScanIsSortedAndIndependent(t *testing.T) {
	s := New()
	s.Insert("b", Entry{Value: []byte("2")})
	s.Insert("a", Entry{Value: []byte("1")})

	kvs := s.Scan()
	assert.Len(t, kvs, 2)
	assert.Equal(t, "a", kvs[0].Key)
	assert.Equal(t, "b", kvs[1].Key)

	s.Insert("c", Entry{Value: []byte("3")})
	assert.Len(t, kvs, 2, "earlier Scan result must not observe later mutations")
}

func TestReset(t *testing.T) {
	s := New()
	s.Insert("old", Entry{Value: []byte("x")})

	s.Reset([]KV{{Key: "new", Entry: Entry{Value: []byte("y")}}})

	_, ok := s.Lookup("old")
	assert.False(t, ok)
	e, ok := s.Lookup("new")
	assert.True(t, ok)
	assert.Equal(t, []byte("y"), e.Value)
}

func TestLenAndMemoryBytes(t *testing.T) {
	s := New()
	assert.Equal(t, 0, s.Len())

	s.Insert("k", Entry{Value: []byte("value")})
	assert.Equal(t, 1, s.Len())
	assert.Greater(t, s.MemoryBytes(), int64(0))
}

func TestValidateKey(t *testing.T) {
	assert.False(t, ValidateKey(nil))
	assert.False(t, ValidateKey([]byte{}))
	assert.True(t, ValidateKey([]byte("k")))
	assert.False(t, ValidateKey(make([]byte, MaxKeyBytes+1)))
	assert.True(t, ValidateKey(make([]byte, MaxKeyBytes)))
}
