package common

import "encoding/json"

type EventType string

const (
	GetInitialDocument EventType = "getInitialDocument"
	NewDelta           EventType = "newDelta"
	GetUploadURL       EventType = "get-upload-url"
	DownloadWord       EventType = "downloadWord"
	DownloadPdf        EventType = "downloadPdf"
	CleanDocument      EventType = "cleanDocument"
	Error              EventType = "error"
	MonitorEvents      EventType = "monitorEvents"
)

// Delta is one opaque edit. The server only stores and forwards its bytes.
type Delta = json.RawMessage

// IsEmptyDelta reports whether d carries no payload at all.
func IsEmptyDelta(d Delta) bool {
	return len(d) == 0 || string(d) == "null"
}

type UploadRequest struct {
	Path      string `json:"path"`
	Extension string `json:"extension"`
}

type UploadTarget struct {
	Path     string `json:"path"`
	FileName string `json:"fileName"`
	URL      string `json:"url"`
}

// Request is a client->server frame.
type Request struct {
	Type       EventType `json:"type"`
	DocumentId string    `json:"documentId"`

	Delta         Delta `json:"delta,omitempty"`
	ExpectedIndex int   `json:"expectedIndex"`

	Token       string   `json:"token,omitempty"`
	Permissions []string `json:"permissions,omitempty"`

	Uploads []UploadRequest `json:"uploads,omitempty"`
	Source  string          `json:"source,omitempty"` // html for downloadWord/downloadPdf
}

// Response is a server->client frame.
type Response struct {
	Type       EventType `json:"type"`
	DocumentId string    `json:"documentId,omitempty"`

	Deltas []Delta `json:"deltas,omitempty"` // full log for getInitialDocument
	Delta  Delta   `json:"delta,omitempty"`
	Index  int     `json:"index,omitempty"`  // 0-based position of Delta
	Sender string  `json:"sender,omitempty"` // connection that submitted Delta

	Uploads []UploadTarget `json:"uploads,omitempty"`
	Link    *string        `json:"link,omitempty"`

	Event EventType       `json:"event,omitempty"` // request that caused an error/monitor frame
	Error string          `json:"error,omitempty"`
	Info  json.RawMessage `json:"info,omitempty"`
}

// LogResponse builds the frame that carries a whole document log. A nil log is
// sent as an empty list so clients can tell "empty" from "missing".
func LogResponse(docId string, deltas []Delta) Response {
	if deltas == nil {
		deltas = []Delta{}
	}
	return Response{
		Type:       GetInitialDocument,
		DocumentId: docId,
		Deltas:     deltas,
	}
}

type frame Response

// MarshalJSON writes deltas only on log frames, where an empty log is [], and
// index only on newDelta frames, where 0 is a real position.
func (r Response) MarshalJSON() ([]byte, error) {
	switch r.Type {
	case GetInitialDocument:
		deltas := r.Deltas
		if deltas == nil {
			deltas = []Delta{}
		}
		return json.Marshal(struct {
			frame
			Deltas []Delta `json:"deltas"`
		}{frame(r), deltas})
	case NewDelta:
		return json.Marshal(struct {
			frame
			Index int `json:"index"`
		}{frame(r), r.Index})
	}
	return json.Marshal(frame(r))
}
