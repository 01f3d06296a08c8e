// -----------------------------------------------------------------------
// Parser IPC shapes - JSON over the subprocess stdin/stdout pipe
// -----------------------------------------------------------------------

package parser

// Request is the document handed to the parser subprocess on stdin
type Request struct {
	HTMLContent string `json:"html_content"`
	URL         string `json:"url"`
	JobID       string `json:"job_id"`
}

// Metadata is the extracted page metadata. All fields are best-effort.
type Metadata struct {
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	Image         string `json:"image,omitempty"`
	Logo          string `json:"logo,omitempty"`
	Author        string `json:"author,omitempty"`
	Publisher     string `json:"publisher,omitempty"`
	DatePublished string `json:"date_published,omitempty"`
	DateModified  string `json:"date_modified,omitempty"`
}

// ReadableContent is the pruned article body rendered as markdown
type ReadableContent struct {
	Content string `json:"content"`
}

// Response is the subprocess result on stdout. Either Metadata is set, or
// Error carries the failure. ReadableContent is null when pruning found no
// article body.
type Response struct {
	Metadata        *Metadata        `json:"metadata,omitempty"`
	ReadableContent *ReadableContent `json:"readable_content"`
	Error           string           `json:"error,omitempty"`
	Stack           string           `json:"stack,omitempty"`
}
