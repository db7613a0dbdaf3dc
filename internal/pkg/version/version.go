// Package version 애플리케이션의 빌드 및 버저닝 정보를 관리하는 패키지입니다.
//
// 빌드 시점에 링커 플래그(-ldflags)로 주입된 메타데이터와 실행 시점의
// 환경 정보(Go 버전, OS, 아키텍처)를 통합하여 제공합니다.
package version

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

const unknown = "unknown"

// globalBuildInfo 전역 빌드 정보 (atomic.Value를 사용하여 Thread-Safe 보장)
var globalBuildInfo atomic.Value

// Info 빌드 및 실행 환경 정보를 담는 구조체입니다.
type Info struct {
	Version     string `json:"version"`
	Commit      string `json:"commit,omitempty"`
	BuildDate   string `json:"build_date"`
	BuildNumber string `json:"build_number"`
	GoVersion   string `json:"go_version"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
}

// String 빌드 정보를 사람이 읽기 쉬운 한 줄 문자열로 반환합니다.
func (i Info) String() string {
	return fmt.Sprintf("%s (build %s, %s, %s/%s)", i.Version, i.BuildNumber, i.GoVersion, i.OS, i.Arch)
}

// Set 전역 빌드 정보를 등록합니다. main에서 1회 호출합니다.
func Set(info Info) {
	if info.Version == "" {
		info.Version = unknown
	}
	if info.BuildDate == "" {
		info.BuildDate = unknown
	}
	if info.BuildNumber == "" {
		info.BuildNumber = "0"
	}
	info.GoVersion = runtime.Version()
	info.OS = runtime.GOOS
	info.Arch = runtime.GOARCH

	globalBuildInfo.Store(info)
}

// Get 등록된 전역 빌드 정보를 반환합니다. 미등록 시 기본값을 반환합니다.
func Get() Info {
	if info, ok := globalBuildInfo.Load().(Info); ok {
		return info
	}

	return Info{
		Version:     unknown,
		BuildDate:   unknown,
		BuildNumber: "0",
		GoVersion:   runtime.Version(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
	}
}
