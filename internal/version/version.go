package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Значения подставляются при сборке:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/marketplace/internal/version.version=v1.2.0 ..."
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

// GetCommit возвращает commit сборки.
func GetCommit() string { return commit }

// GetDate возвращает дату сборки.
func GetDate() string { return date }

func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", version, commit, date)
}

// Fields возвращает поля для стартовой записи в лог.
func Fields() log.Fields {
	return log.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}
}

// UserAgent собирает значение User-Agent для исходящих запросов сервиса.
func UserAgent(service string) string {
	return fmt.Sprintf("marketplace-%s/%s", service, version)
}
