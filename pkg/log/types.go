package log

import (
	logrus "github.com/sirupsen/logrus"
)

// Fields 구조화된 로그 필드의 타입 별칭입니다.
// 호출부에서 logrus를 직접 import하지 않고도 필드를 구성할 수 있도록 합니다.
type Fields = logrus.Fields
