package runcontrol

import (
	stderrors "errors"
	"maps"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeNoTransitionOfName          = "NO_TRANSITION_OF_NAME"
	ErrCodeCannotExecuteTransition     = "CANNOT_EXECUTE_TRANSITION"
	ErrCodeInvalidFSMConfiguration     = "INVALID_FSM_CONFIGURATION"
	ErrCodeMissingArgument             = "MISSING_ARGUMENT"
	ErrCodeInvalidArgumentType         = "INVALID_ARGUMENT_TYPE"
	ErrCodeInvalidArgumentChoice       = "INVALID_ARGUMENT_CHOICE"
	ErrCodeUnhandledArgumentType       = "UNHANDLED_ARGUMENT_TYPE"
	ErrCodeTransitionDataFormat        = "TRANSITION_DATA_OF_INCORRECT_FORMAT"
	ErrCodeInvalidDataReturnedByAction = "INVALID_DATA_RETURNED_BY_ACTION"
	ErrCodeDoubleArgument              = "DOUBLE_ARGUMENT"
	ErrCodeDuplicateCallback           = "DUPLICATE_CALLBACK"
	ErrCodeUnknownAction               = "UNKNOWN_ACTION"
	ErrCodeActionFailed                = "ACTION_FAILED"
	ErrCodeInvalidTransition           = "INVALID_TRANSITION"
	ErrCodeInvalidSubTransition        = "INVALID_SUB_TRANSITION"
	ErrCodeCannotInclude               = "CANNOT_INCLUDE"
	ErrCodeCannotExclude               = "CANNOT_EXCLUDE"
	ErrCodeCannotSurrenderControl      = "CANNOT_SURRENDER_CONTROL"
	ErrCodeServerUnreachable           = "SERVER_UNREACHABLE"
	ErrCodeChildSetupFailed            = "CHILD_SETUP_FAILED"
	ErrCodeUnknownControlType          = "UNKNOWN_CONTROL_TYPE"
	ErrCodeApplicationLookupFailed     = "APPLICATION_LOOKUP_UNSUCCESSFUL"
	ErrCodeApplicationNotRegistered    = "APPLICATION_NOT_REGISTERED"
	ErrCodeConnectivityRequestFailed   = "CONNECTIVITY_REQUEST_FAILED"
	ErrCodeBadQuery                    = "BAD_QUERY"
	ErrCodeDuplicateUUID               = "DUPLICATE_UUID"
	ErrCodeLaunchFailed                = "LAUNCH_FAILED"
	ErrCodeInvalidConfiguration        = "INVALID_CONFIGURATION"
)

var (
	ErrNoTransitionOfName = apperrors.New("no transition of that name", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeNoTransitionOfName)
	ErrCannotExecuteTransition = apperrors.New("transition cannot be executed from this state", apperrors.CategoryConflict).
					WithTextCode(ErrCodeCannotExecuteTransition)
	ErrInvalidFSMConfiguration = apperrors.New("invalid fsm configuration", apperrors.CategoryValidation).
					WithTextCode(ErrCodeInvalidFSMConfiguration)
	ErrMissingArgument = apperrors.New("missing mandatory argument", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeMissingArgument)
	ErrInvalidArgumentType = apperrors.New("argument has the wrong type", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidArgumentType)
	ErrInvalidArgumentChoice = apperrors.New("argument value is not an allowed choice", apperrors.CategoryBadInput).
					WithTextCode(ErrCodeInvalidArgumentChoice)
	ErrUnhandledArgumentType = apperrors.New("unhandled argument type", apperrors.CategoryValidation).
					WithTextCode(ErrCodeUnhandledArgumentType)
	ErrTransitionDataFormat = apperrors.New("transition data is not a JSON object", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeTransitionDataFormat)
	ErrInvalidDataReturnedByAction = apperrors.New("action returned data that cannot be serialised", apperrors.CategoryHandler).
					WithTextCode(ErrCodeInvalidDataReturnedByAction)
	ErrDoubleArgument = apperrors.New("argument declared twice", apperrors.CategoryValidation).
				WithTextCode(ErrCodeDoubleArgument)
	ErrDuplicateCallback = apperrors.New("callback already registered", apperrors.CategoryValidation).
				WithTextCode(ErrCodeDuplicateCallback)
	ErrUnknownAction = apperrors.New("unknown action", apperrors.CategoryValidation).
				WithTextCode(ErrCodeUnknownAction)
	ErrActionFailed = apperrors.New("action failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeActionFailed)
	ErrInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrInvalidSubTransition = apperrors.New("invalid sub transition", apperrors.CategoryConflict).
				WithTextCode(ErrCodeInvalidSubTransition)
	ErrCannotInclude = apperrors.New("cannot include node", apperrors.CategoryConflict).
				WithTextCode(ErrCodeCannotInclude)
	ErrCannotExclude = apperrors.New("cannot exclude node", apperrors.CategoryConflict).
				WithTextCode(ErrCodeCannotExclude)
	ErrCannotSurrenderControl = apperrors.New("cannot surrender control", apperrors.CategoryConflict).
					WithTextCode(ErrCodeCannotSurrenderControl)
	ErrServerUnreachable = apperrors.New("server unreachable", apperrors.CategoryExternal).
				WithTextCode(ErrCodeServerUnreachable)
	ErrChildSetupFailed = apperrors.New("child setup failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeChildSetupFailed)
	ErrUnknownControlType = apperrors.New("could not determine how the child is controlled", apperrors.CategoryValidation).
				WithTextCode(ErrCodeUnknownControlType)
	ErrApplicationLookupFailed = apperrors.New("application lookup unsuccessful", apperrors.CategoryExternal).
					WithTextCode(ErrCodeApplicationLookupFailed)
	ErrApplicationNotRegistered = apperrors.New("application not registered", apperrors.CategoryExternal).
					WithTextCode(ErrCodeApplicationNotRegistered)
	ErrConnectivityRequestFailed = apperrors.New("connectivity service request failed", apperrors.CategoryExternal).
					WithTextCode(ErrCodeConnectivityRequestFailed)
	ErrBadQuery = apperrors.New("bad query", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeBadQuery)
	ErrDuplicateUUID = apperrors.New("duplicate process uuid", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateUUID)
	ErrLaunchFailed = apperrors.New("process launch failed", apperrors.CategoryExternal).
			WithTextCode(ErrCodeLaunchFailed)
	ErrInvalidConfiguration = apperrors.New("invalid configuration", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidConfiguration)
)

var domainCodes = map[string]*apperrors.Error{}

func init() {
	for _, base := range []*apperrors.Error{
		ErrNoTransitionOfName, ErrCannotExecuteTransition, ErrInvalidFSMConfiguration,
		ErrMissingArgument, ErrInvalidArgumentType, ErrInvalidArgumentChoice,
		ErrUnhandledArgumentType, ErrTransitionDataFormat, ErrInvalidDataReturnedByAction,
		ErrDoubleArgument, ErrDuplicateCallback, ErrUnknownAction, ErrActionFailed,
		ErrInvalidTransition, ErrInvalidSubTransition, ErrCannotInclude, ErrCannotExclude,
		ErrCannotSurrenderControl, ErrServerUnreachable, ErrChildSetupFailed,
		ErrUnknownControlType, ErrApplicationLookupFailed, ErrApplicationNotRegistered,
		ErrConnectivityRequestFailed, ErrBadQuery, ErrDuplicateUUID, ErrLaunchFailed,
		ErrInvalidConfiguration,
	} {
		domainCodes[base.TextCode] = base
	}
}

// NewError clones base with a specific message, source and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrActionFailed
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of the first go-errors error in the chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsDomainError reports whether err is one of the recognised run control
// errors. Anything else is treated as unhandled.
func IsDomainError(err error) bool {
	_, ok := domainCodes[ErrorCode(err)]
	return ok
}

// ErrorMetadata returns a copy of the metadata of the first go-errors
// error in the chain, or nil.
func ErrorMetadata(err error) map[string]any {
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) || len(ge.Metadata) == 0 {
		return nil
	}
	return maps.Clone(ge.Metadata)
}

// ErrorMessage returns the user facing message of err.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) && ge.Message != "" {
		return ge.Message
	}
	return err.Error()
}

// ErrorFromCode rebuilds a domain error received over the wire. Unknown
// codes yield nil.
func ErrorFromCode(code, message string, metadata map[string]any) error {
	base, ok := domainCodes[code]
	if !ok {
		return nil
	}
	return NewError(base, message, nil, metadata)
}
