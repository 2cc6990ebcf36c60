package digest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hantei-ai/hantei/internal/storage/memory"
)

func TestService_DigestExtractsTodoPattern(t *testing.T) {
	s := New(memory.New())
	d, err := s.Digest(context.Background(), "// TODO: handle the retry case here", "file.go", "code")
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.Contains(t, d.Patterns, "todo-marker")
}

func TestService_DigestExtractsErrorHandlingIdiom(t *testing.T) {
	s := New(memory.New())
	d, err := s.Digest(context.Background(), "we recover from the panic and log errors.Is(err, ErrNotFound)", "", "code")
	require.NoError(t, err)
	assert.Contains(t, d.Patterns, "error-handling-idiom")
}

func TestService_DigestRejectsEmptyContent(t *testing.T) {
	s := New(memory.New())
	_, err := s.Digest(context.Background(), "   ", "", "")
	require.Error(t, err)
}

func TestService_DigestInsightsOnBriefContent(t *testing.T) {
	s := New(memory.New())
	d, err := s.Digest(context.Background(), "short note", "", "note")
	require.NoError(t, err)
	assert.Contains(t, d.Insights, "content is brief, likely a fragment rather than a complete statement")
}

func TestService_SearchDelegatesToPersistence(t *testing.T) {
	s := New(memory.New())
	_, err := s.Digest(context.Background(), "revenue grew 12% this quarter, up from 8% last quarter", "", "note")
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "revenue", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}
