package store

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	collections := map[string]bool{"foos": true}
	views := map[string]bool{"foos-by-category": true}

	cases := []struct {
		uri  string
		want Kind
	}{
		{"/cloudkit-meta", KindMeta},
		{"/foos", KindResourceCollection},
		{"/foos/_resolved", KindResolvedResourceCollection},
		{"/foos/abc", KindResource},
		{"/foos/abc/versions", KindVersionCollection},
		{"/foos/abc/versions/xyz", KindResourceVersion},
		{"/foos/abc/versions/_resolved", KindResolvedVersionCollection},
		{"/foos-by-category", KindView},
		{"/bogus", KindUnknown},
		{"/bogus/abc", KindUnknown},
		{"/foos/abc/versions/xyz/extra", KindUnknown},
	}
	for _, c := range cases {
		got := Classify(c.uri, collections, views)
		require.Equalf(t, c.want, got, "uri %s", c.uri)
	}
}

func TestMethodsForURI(t *testing.T) {
	require.ElementsMatch(t, []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions}, MethodsForURI(KindResource))
	require.ElementsMatch(t, []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions}, MethodsForURI(KindResourceCollection))
	require.Nil(t, MethodsForURI(KindUnknown))
}

func TestCollectionURIFragmentAndCurrentResourceURI(t *testing.T) {
	require.Equal(t, "/foos", CollectionURIFragment("/foos/abc/versions/xyz"))
	require.Equal(t, "/foos/abc", CurrentResourceURI("/foos/abc/versions/xyz"))
	require.Equal(t, "", CurrentResourceURI("/foos"))
}
