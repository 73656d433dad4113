package httpapi

// Response is the generic JSON envelope. The presence-status endpoint uses
// it for its error replies; its success reply and GET /health use their
// own shapes.
type Response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func newSuccessResponse[T any](data T) Response[T] {
	return Response[T]{Success: true, Data: data}
}

func newErrorResponse(err, code string) Response[any] {
	return Response[any]{Success: false, Error: err, Code: code}
}
