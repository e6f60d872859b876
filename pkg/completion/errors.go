package completion

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rhuss/taskrun/pkg/api"
)

// MapHTTPError converts a non-2xx completion response into an upstream
// error. It tries to extract a descriptive message from the body.
func MapHTTPError(resp *http.Response) *api.APIError {
	message := ExtractErrorMessage(resp.Body)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	if message == "" {
		message = "unexpected status"
	}
	return api.NewUpstreamError(
		strconv.Itoa(resp.StatusCode),
		fmt.Sprintf("completion service returned HTTP %d: %s", resp.StatusCode, message),
	)
}

// MapNetworkError converts a transport-level error (connection refused,
// timeout, DNS failure) into an upstream error.
func MapNetworkError(err error) *api.APIError {
	return api.NewUpstreamError("", fmt.Sprintf("completion service connection error: %s", err.Error()))
}

// ExtractErrorMessage tries to parse the response body as a ChatErrorResponse
// and returns the error message if found.
func ExtractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}

	var errResp ChatErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}

	return ""
}

// retryableStatus reports whether an upstream HTTP status is worth retrying.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
