package pipeline

// エラーコード。ステージとトリガーの失敗分類に使います。
const (
	CodeMalformedInput       = "MALFORMED_INPUT"
	CodeMissingRequiredField = "MISSING_REQUIRED_FIELD"
	CodePersistenceError     = "PERSISTENCE_ERROR"
	CodeUpstreamFetchError   = "UPSTREAM_FETCH_ERROR"
	CodeTriggerDispatchError = "TRIGGER_DISPATCH_ERROR"
	CodeStageExecutionError  = "STAGE_EXECUTION_ERROR"
)

// Error はコード付きのドメインエラーです。
// Message は利用者向けの説明、Err は内部原因を保持します。
type Error struct {
	Code    string
	Message string
	Err     error
}

// NewError は Error を作成します。
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}
