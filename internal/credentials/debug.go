package credentials

import (
	"net/http"
	"net/http/httputil"
)

// Printer is the minimal logger the LoggingTransport writes to.
type Printer interface {
	Printf(format string, a ...any)
}

// LoggingTransport is an http.RoundTripper that logs requests and responses
// of identity exchanges. Bodies and authorization headers are not logged.
type LoggingTransport struct {
	Transport http.RoundTripper
	Logger    Printer
}

// NewLoggingTransport creates a new LoggingTransport. If transport is nil,
// http.DefaultTransport is used.
func NewLoggingTransport(transport http.RoundTripper, logger Printer) *LoggingTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{
		Transport: transport,
		Logger:    logger,
	}
}

// RoundTrip executes a single HTTP transaction, logging the request and response.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	redacted := req.Clone(req.Context())
	if redacted.Header.Get("Authorization") != "" {
		redacted.Header.Set("Authorization", "<redacted>")
	}

	reqDump, err := httputil.DumpRequestOut(redacted, false)
	if err != nil {
		t.Logger.Printf("Error dumping request: %v", err)
	} else {
		t.Logger.Printf("Request:\n%s", string(reqDump))
	}

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		t.Logger.Printf("Error making request: %v", err)
		return resp, err // Return the response and error, even if the response is nil.
	}

	respDump, err := httputil.DumpResponse(resp, false)
	if err != nil {
		t.Logger.Printf("Error dumping response: %v", err)
	} else {
		t.Logger.Printf("Response:\n%s", string(respDump))
	}

	return resp, nil
}
