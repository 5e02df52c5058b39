package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalURL(t *testing.T) {
	cases := map[string]string{
		"HTTPS://www.Example.com/news/story/?utm_source=rss&b=2&a=1#top": "https://example.com/news/story?a=1&b=2",
		"http://example.com:80/a/":                                      "http://example.com/a",
		"https://example.com:8443/a?fbclid=xyz":                         "https://example.com:8443/a",
		"  https://example.com  ":                                       "https://example.com",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalURL(in), in)
	}
}

func TestOf_StableAcrossCosmeticDifferences(t *testing.T) {
	a := Of("https://www.example.com/story?utm_campaign=x", "Home prices  rose\n in Austin.")
	b := Of("https://example.com/story/", "home prices rose in austin.")
	assert.Equal(t, a, b)
	assert.Len(t, a.String(), 64)
}

func TestOf_DifferentURLOrBody(t *testing.T) {
	base := Of("https://example.com/a", "body")
	assert.NotEqual(t, base, Of("https://example.com/b", "body"))
	assert.NotEqual(t, base, Of("https://example.com/a", "other body"))
}

func TestOfText_IgnoresURL(t *testing.T) {
	assert.Equal(t, OfText("Same   TEXT"), OfText("same text"))
	assert.NotEqual(t, OfText("same text"), Of("", "same text"))
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", Fingerprint("abc").Short())
	assert.Len(t, OfText("x").Short(), 12)
}
