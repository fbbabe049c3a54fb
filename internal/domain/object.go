package domain

// ObjectReference addresses one stored artifact. Keys are job-scoped and
// never reused, so overwriting a key silently replaces its content.
type ObjectReference struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
}

// StoredObject is the result of an upload: the canonical key plus the access
// URLs minted for it. Signed URLs are short-lived and regenerated on demand,
// never cached.
type StoredObject struct {
	Key       string `json:"key"`
	PublicURL string `json:"public_url"`
	SignedURL string `json:"signed_url"`
}
