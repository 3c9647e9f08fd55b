// Package models holds types shared between the backend adapters and the
// relay pipeline.
package models

// DefaultContentType is used when an upload part declares no content type.
const DefaultContentType = "application/octet-stream"

// File describes a file created on the backend.
type File struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Link     string `json:"link,omitempty"`
}

// FileInfo carries the metadata for a file to be created.
type FileInfo struct {
	Name        string
	ParentID    string
	ContentType string
}
