package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/olekukonko/tablewriter"

	"github.com/reelmix/reelmix/pkg/api"
)

// APIError is a non-2xx API response
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (status %d, %s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
}

// doJSON sends in as the JSON body (when non-nil) and decodes a 2xx
// response into out (when non-nil)
func doJSON(method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := CreateAuthenticatedRequest(method, path, body)
	if err != nil {
		return err
	}

	resp, err := GetHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", GetServerURL(), err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)
	var e api.ErrorResponse
	if err := json.Unmarshal(raw, &e); err != nil || e.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(raw))}
	}
	return &APIError{Status: resp.StatusCode, Kind: e.Kind, Message: e.Error}
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

// printFields renders label/value pairs as a two-column table
func printFields(pairs ...[2]string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	for _, p := range pairs {
		table.Append(p[0], p[1])
	}
	table.Render()
}
