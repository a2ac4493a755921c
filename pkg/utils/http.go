package utils

import (
	"errors"
	"net/url"

	"github.com/gaborcsardi/mirai/pkg/log"
	"github.com/labstack/echo/v4"
)

func HttpLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		log.Tracef("%4s %s %v", c.Request().Method, c.Request().URL, c.Response().Status)
		return err
	}
}

// Parses a string of the form tcp://<host>:<port> and returns the
// host and port as a string suitable for net/http listeners.
// If the port is not specified, it defaults to 8080.
func ParseHttpUrl(urlstr string) (string, error) {
	uri, err := url.Parse(urlstr)
	if err != nil {
		return "", err
	}

	port := uri.Port()
	if port == "" {
		uri.Host += ":8080"
	}

	var httpUri string
	switch uri.Scheme {
	case "tcp":
		httpUri = uri.Host

	default:
		return "", errors.New("Unsupported protocol: " + uri.Scheme)
	}

	return httpUri, nil
}
