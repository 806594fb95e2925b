package uds

import "fmt"

const (
	GENERAL_REJECT                              = 0x10
	SERVICE_NOT_SUPPORTED                       = 0x11
	SUBFUNCTION_NOT_SUPPORTED                   = 0x12
	INCORRECT_MESSAGE_LENGTH_OR_INVALID_FORMAT  = 0x13
	RESPONSE_TOO_LONG                           = 0x14
	BUSY_REPEAT_REQUEST                         = 0x21
	CONDITIONS_NOT_CORRECT                      = 0x22
	REQUEST_SEQUENCE_ERROR                      = 0x24
	NO_RESPONSE_FROM_SUBNET_COMPONENT           = 0x25
	FAILURE_PREVENTS_EXECUTION                  = 0x26
	REQUEST_OUT_OF_RANGE                        = 0x31
	SECURITY_ACCESS_DENIED                      = 0x33
	INVALID_KEY                                 = 0x35
	EXCEED_NUMBER_OF_ATTEMPTS                   = 0x36
	REQUIRED_TIME_DELAY_NOT_EXPIRED             = 0x37
	UPLOAD_DOWNLOAD_NOT_ACCEPTED                = 0x70
	TRANSFER_DATA_SUSPENDED                     = 0x71
	GENERAL_PROGRAMMING_FAILURE                 = 0x72
	WRONG_BLOCK_SEQUENCE_COUNTER                = 0x73
	REQUEST_CORRECTLY_RECEIVED_RESPONSE_PENDING = 0x78
	SUBFUNCTION_NOT_SUPPORTED_IN_ACTIVE_SESSION = 0x7E
	SERVICE_NOT_SUPPORTED_IN_ACTIVE_SESSION     = 0x7F
)

var (
	ErrGeneralReject                          = &NRCError{GENERAL_REJECT, "General reject"}
	ErrServiceNotSupported                    = &NRCError{SERVICE_NOT_SUPPORTED, "Service not supported"}
	ErrSubFunctionNotSupported                = &NRCError{SUBFUNCTION_NOT_SUPPORTED, "Sub-function not supported"}
	ErrIncorrectMessageLengthOrInvalidFormat  = &NRCError{INCORRECT_MESSAGE_LENGTH_OR_INVALID_FORMAT, "Incorrect message length or invalid format"}
	ErrResponseTooLong                        = &NRCError{RESPONSE_TOO_LONG, "Response too long"}
	ErrBusyRepeatRequest                      = &NRCError{BUSY_REPEAT_REQUEST, "Busy, repeat request"}
	ErrConditionsNotCorrect                   = &NRCError{CONDITIONS_NOT_CORRECT, "Conditions not correct"}
	ErrRequestSequenceError                   = &NRCError{REQUEST_SEQUENCE_ERROR, "Request sequence error"}
	ErrNoResponseFromSubnetComponent          = &NRCError{NO_RESPONSE_FROM_SUBNET_COMPONENT, "No response from subnet component"}
	ErrFailurePreventsExecution               = &NRCError{FAILURE_PREVENTS_EXECUTION, "Failure prevents execution of requested action"}
	ErrRequestOutOfRange                      = &NRCError{REQUEST_OUT_OF_RANGE, "Request out of range"}
	ErrSecurityAccessDenied                   = &NRCError{SECURITY_ACCESS_DENIED, "Security access denied"}
	ErrInvalidKey                             = &NRCError{INVALID_KEY, "Invalid key"}
	ErrExceedNumberOfAttempts                 = &NRCError{EXCEED_NUMBER_OF_ATTEMPTS, "Exceeded number of attempts"}
	ErrRequiredTimeDelayNotExpired            = &NRCError{REQUIRED_TIME_DELAY_NOT_EXPIRED, "Required time delay not expired"}
	ErrUploadDownloadNotAccepted              = &NRCError{UPLOAD_DOWNLOAD_NOT_ACCEPTED, "Upload/download not accepted"}
	ErrTransferDataSuspended                  = &NRCError{TRANSFER_DATA_SUSPENDED, "Transfer data suspended"}
	ErrGeneralProgrammingFailure              = &NRCError{GENERAL_PROGRAMMING_FAILURE, "General programming failure"}
	ErrWrongBlockSequenceCounter              = &NRCError{WRONG_BLOCK_SEQUENCE_COUNTER, "Wrong block sequence counter"}
	ErrResponsePending                        = &NRCError{REQUEST_CORRECTLY_RECEIVED_RESPONSE_PENDING, "Response pending"}
	ErrSubFunctionNotSupportedInActiveSession = &NRCError{SUBFUNCTION_NOT_SUPPORTED_IN_ACTIVE_SESSION, "Sub-function not supported in active session"}
	ErrServiceNotSupportedInActiveSession     = &NRCError{SERVICE_NOT_SUPPORTED_IN_ACTIVE_SESSION, "Service not supported in active session"}
)

type NRCError struct {
	Code byte
	Msg  string
}

func (e *NRCError) Error() string {
	return fmt.Sprintf("%s (0x%02X)", e.Msg, e.Code)
}

var nrcTable = map[byte]*NRCError{}

func init() {
	for _, e := range []*NRCError{
		ErrGeneralReject,
		ErrServiceNotSupported,
		ErrSubFunctionNotSupported,
		ErrIncorrectMessageLengthOrInvalidFormat,
		ErrResponseTooLong,
		ErrBusyRepeatRequest,
		ErrConditionsNotCorrect,
		ErrRequestSequenceError,
		ErrNoResponseFromSubnetComponent,
		ErrFailurePreventsExecution,
		ErrRequestOutOfRange,
		ErrSecurityAccessDenied,
		ErrInvalidKey,
		ErrExceedNumberOfAttempts,
		ErrRequiredTimeDelayNotExpired,
		ErrUploadDownloadNotAccepted,
		ErrTransferDataSuspended,
		ErrGeneralProgrammingFailure,
		ErrWrongBlockSequenceCounter,
		ErrResponsePending,
		ErrSubFunctionNotSupportedInActiveSession,
		ErrServiceNotSupportedInActiveSession,
	} {
		nrcTable[e.Code] = e
	}
}

// TranslateNRC maps a negative response code to its error. Unknown codes get
// a generic error.
func TranslateNRC(code byte) error {
	if code == 0x00 {
		return nil
	}
	if e, ok := nrcTable[code]; ok {
		return e
	}
	return fmt.Errorf("unknown negative response code 0x%02X", code)
}
