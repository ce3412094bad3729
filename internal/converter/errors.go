package converter

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrNotFound はジョブや結果が存在しない（404）ことを表します。
	ErrNotFound = errors.New("not found")
	// ErrStillProcessing は結果がまだ生成されていない（202）ことを表します。
	ErrStillProcessing = errors.New("still processing")
)

// APIError は変換APIが2xx以外を返したときのエラーです。
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	pending    bool
}

func (e *APIError) Error() string {
	return e.Message
}

// Is は ErrNotFound / ErrStillProcessing との比較を可能にします。
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrStillProcessing:
		return e.pending || e.StatusCode == http.StatusAccepted
	}
	return false
}

// Temporary はサーバー側の一時的な失敗かどうかを返します。
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// newAPIError はレスポンスボディからメッセージを取り出してエラーを作ります。
// ボディに message / error が無い場合はステータステキストを使います。
func newAPIError(status int, statusText string, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.Code
		switch {
		case strings.TrimSpace(parsed.Message) != "":
			apiErr.Message = parsed.Message
		case strings.TrimSpace(parsed.Error) != "":
			apiErr.Message = parsed.Error
		}
	}

	if apiErr.Message == "" {
		apiErr.Message = statusText
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// IsStillProcessing は err が結果未確定を表すかどうかを返します。
func IsStillProcessing(err error) bool {
	return errors.Is(err, ErrStillProcessing)
}
