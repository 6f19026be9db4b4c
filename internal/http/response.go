package http

// Status distinguishes the reply shapes the handlers produce.
type Status string

const (
	StatusOK      Status = "OK"      // health checks only
	StatusSuccess Status = "success" // operation applied
	StatusError   Status = "error"   // operation rejected or failed
)

// Response is the envelope for single-key operations. Value is set
// only on a successful get; Error only when Status is StatusError.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  string `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Pair is one key-value entry in a scan response.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ScanResponse carries scan results. Truncated tells the client the
// range held more pairs than the requested limit.
type ScanResponse struct {
	Status    Status `json:"status"`
	Pairs     []Pair `json:"pairs"`
	Truncated bool   `json:"truncated"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
