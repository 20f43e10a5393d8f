// Package version хранит сведения о сборке, заполняемые через -ldflags:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/storefront/internal/version.version=v1.2.0"
package version

import "fmt"

// Service — имя сервиса в логах и health-ответах.
const Service = "storefront"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

// GetVersion возвращает номер версии для health-ответов.
func GetVersion() string { return version }

func String() string {
	return fmt.Sprintf("service=%s version=%s commit=%s date=%s", Service, version, commit, date)
}

// Fields возвращает сведения о сборке в виде полей для структурного лога.
func Fields() map[string]any {
	return map[string]any{
		"service": Service,
		"version": version,
		"commit":  commit,
		"date":    date,
	}
}
