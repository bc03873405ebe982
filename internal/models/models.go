package models

// Kind distinguishes image slots of one owner.
type Kind string

const KindChart Kind = "CHART"

// StoredImage is the metadata view of a stored image. It never carries the payload.
type StoredImage struct {
	OwnerID  string `json:"owner_id"`
	Kind     Kind   `json:"kind"`
	Mime     string `json:"mime"`
	SHA256   string `json:"sha256"`
	ByteSize int64  `json:"byte_size"`
}

// StoredImageData is a StoredImage together with its encoded bytes.
type StoredImageData struct {
	StoredImage
	Data []byte `json:"-"`
}
