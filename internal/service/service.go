// Package service 서비스 생명주기 계약을 정의합니다.
package service

import (
	"context"
	"sync"
)

// Service 애플리케이션을 구성하는 장기 실행 서비스의 공통 계약입니다.
//
// Start는 비차단으로 동작해야 하며, serviceStopCtx가 취소되면
// 내부 고루틴을 정리한 뒤 serviceStopWG.Done()을 호출해야 합니다.
type Service interface {
	Start(serviceStopCtx context.Context, serviceStopWG *sync.WaitGroup) error
}
