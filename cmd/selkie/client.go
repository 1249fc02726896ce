package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// CLI exit codes
const (
	ExitOK       = 0
	ExitUsage    = 2
	ExitConfig   = 3
	ExitStore    = 4
	ExitDriver   = 5
	ExitInternal = 64
)

// apiError is the error envelope the daemon returns on non-2xx
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// exitCode maps an error to the exit code contract
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if ae, ok := err.(*apiError); ok {
		switch ae.Code {
		case "validation", "not_found", "conflict":
			return ExitUsage
		case "storage_unavailable":
			return ExitStore
		case "driver_unavailable", "driver_timeout", "driver_terminal":
			return ExitDriver
		default:
			return ExitInternal
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) || strings.Contains(err.Error(), "connection refused") {
		return ExitStore
	}
	return ExitInternal
}

// fail prints the error and exits with the mapped code
func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(exitCode(err))
}

type client struct {
	http.Client
	addr string
}

func newClient(addr string) *client {
	if !strings.HasSuffix(addr, "/") {
		addr += "/"
	}
	return &client{addr: addr}
}

func (c *client) url(path string) string {
	return c.addr + strings.TrimPrefix(path, "/")
}

// do issues the request and decodes the JSON body into out (which may
// be nil). A non-2xx response is returned as an *apiError.
func (c *client) do(method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.url(path), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.WithFields(log.Fields{
		"method": method,
		"url":    req.URL.String(),
	}).Debug("request")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		ae := &apiError{Status: resp.StatusCode}
		if jerr := json.Unmarshal(data, ae); jerr != nil || ae.Code == "" {
			ae.Code = "internal"
			ae.Message = strings.TrimSpace(string(data))
			if ae.Message == "" {
				ae.Message = resp.Status
			}
		}
		return ae
	}

	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *client) get(path string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do("GET", path, nil, &out)
	return out, err
}

func (c *client) getList(path string) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := c.do("GET", path, nil, &out)
	return out, err
}

func (c *client) post(path string, body interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do("POST", path, body, &out)
	return out, err
}

func (c *client) del(path string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do("DELETE", path, nil, &out)
	return out, err
}

// render prints a value as indented JSON, the CLI's one output format
func render(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail(err)
	}
	fmt.Println(string(data))
}
