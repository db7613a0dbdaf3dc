package errors

// ErrorType 에러의 종류를 나타내는 타입입니다.
type ErrorType int

// 에러 타입 상수
const (
	// Unknown 알 수 없는 에러
	Unknown ErrorType = iota

	// Internal 내부 로직 오류 (버그 등)
	Internal

	// System 시스템 또는 인프라 오류 (네트워크, SMTP 세션 등)
	System

	// InvalidInput 잘못된 입력값 (유효성 검사 실패)
	InvalidInput

	// Conflict 리소스 충돌 (sms_id 중복 등)
	Conflict

	// NotFound 리소스를 찾을 수 없음
	NotFound

	// ExecutionFailed 비즈니스 로직 수행 실패 (다운스트림 전송 실패 등)
	ExecutionFailed

	// Timeout 작업 시간 초과
	Timeout

	// RateLimited 다운스트림 API의 요청 제한(429)에 걸림
	RateLimited

	// Unavailable 서비스 일시적 사용 불가 (큐 가득 참, 종료 중 등)
	Unavailable
)

// String ErrorType의 이름을 반환합니다.
func (t ErrorType) String() string {
	switch t {
	case Internal:
		return "Internal"
	case System:
		return "System"
	case InvalidInput:
		return "InvalidInput"
	case Conflict:
		return "Conflict"
	case NotFound:
		return "NotFound"
	case ExecutionFailed:
		return "ExecutionFailed"
	case Timeout:
		return "Timeout"
	case RateLimited:
		return "RateLimited"
	case Unavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}
