package errs

import "errors"

const (
	ServerInternalError   = 500
	ArgsError             = 1001
	StoreUnavailableError = 1002
	TokenInvalidError     = 1101

	RateLimitedError = 1201

	// 协议违规：并发投递下属于预期情况，只记日志不回给客户端
	ProtocolViolationError = 1300
	SessionNotFoundError   = 1301
	SessionEndedError      = 1302
	NotMemberError         = 1303
	AlreadyInSessionError  = 1304
	GameNotFoundError      = 1401
	GameInactiveError      = 1402
	GameDuplicateError     = 1403

	UserNotFoundError = 1501
)

var (
	ErrInternalServer   = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrArgs             = NewCodeError(ArgsError, "ArgsError")
	ErrStoreUnavailable = NewCodeError(StoreUnavailableError, "StoreUnavailable")
	ErrTokenInvalid     = NewCodeError(TokenInvalidError, "TokenInvalid")
	ErrRateLimited      = NewCodeError(RateLimitedError, "RateLimited")

	ErrProtocolViolation = NewCodeError(ProtocolViolationError, "ProtocolViolation")
	ErrSessionNotFound   = NewCodeError(SessionNotFoundError, "SessionNotFound")
	ErrSessionEnded      = NewCodeError(SessionEndedError, "SessionEnded")
	ErrNotMember         = NewCodeError(NotMemberError, "NotSessionMember")
	ErrAlreadyInSession  = NewCodeError(AlreadyInSessionError, "AlreadyInSession")
	ErrGameNotFound      = NewCodeError(GameNotFoundError, "GameNotFound")
	ErrGameInactive      = NewCodeError(GameInactiveError, "GameInactive")
	ErrGameDuplicate     = NewCodeError(GameDuplicateError, "GameDuplicateResponse")

	ErrUserNotFound = NewCodeError(UserNotFoundError, "UserNotFound")
)

func init() {
	for _, c := range []int{
		SessionNotFoundError, SessionEndedError, NotMemberError, AlreadyInSessionError,
		GameNotFoundError, GameInactiveError, GameDuplicateError,
	} {
		_ = DefaultCodeRelation.Add(ProtocolViolationError, c)
	}
}

// IsProtocolViolation 乱序/重复/越权帧
func IsProtocolViolation(err error) bool {
	return err != nil && errors.Is(err, ErrProtocolViolation)
}
