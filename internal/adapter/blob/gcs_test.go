package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStore_URL(t *testing.T) {
	s := &Store{bucket: "posterforge-artifacts"}
	assert.Equal(t,
		"https://storage.googleapis.com/posterforge-artifacts/jobs/j1/alice_1.png",
		s.URL("jobs/j1/alice_1.png"))

	s = &Store{bucket: "posterforge-artifacts", cdnBaseURL: "https://cdn.example.com"}
	assert.Equal(t, "https://cdn.example.com/jobs/j1/alice_1.png", s.URL("jobs/j1/alice_1.png"))
}
