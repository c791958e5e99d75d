package gamma

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIDsUnmarshal(t *testing.T) {
	var m Market
	require.NoError(t, json.Unmarshal([]byte(`{"clobTokenIds":"[\"1\",\"2\"]"}`), &m))
	assert.Equal(t, TokenIDs{"1", "2"}, m.ClobTokenIDs)

	require.NoError(t, json.Unmarshal([]byte(`{"clobTokenIds":""}`), &m))
	assert.Nil(t, m.ClobTokenIDs)
}

func TestTokenIDsForSlug(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/slug/fed-decision", r.URL.Path)
		w.Write([]byte(`{"id":"1","slug":"fed-decision","markets":[
			{"id":"10","clobTokenIds":"[\"a\",\"b\"]"},
			{"id":"11","closed":true,"clobTokenIds":"[\"c\",\"d\"]"},
			{"id":"12","clobTokenIds":"[\"e\",\"f\"]"}]}`))
	}))
	defer srv.Close()

	ids, err := New(srv.URL).TokenIDsForSlug(context.Background(), "fed-decision")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "e", "f"}, ids)
}
