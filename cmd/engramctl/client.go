package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-resty/resty/v2"
)

var httpClient = resty.New()

// rawOrString passes valid JSON through untouched and quotes anything else.
func rawOrString(content string) json.RawMessage {
	if json.Valid([]byte(content)) {
		return json.RawMessage(content)
	}
	quoted, _ := json.Marshal(content)
	return quoted
}

func postJSON(apiURL, path string, payload any, out io.Writer) error {
	req := httpClient.R()
	if payload != nil {
		req.SetBody(payload)
	}
	resp, err := req.Post(apiURL + path)
	if err != nil {
		return err
	}
	return printResponse(resp, out)
}

func getJSON(apiURL, path string, out io.Writer) error {
	resp, err := httpClient.R().Get(apiURL + path)
	if err != nil {
		return err
	}
	return printResponse(resp, out)
}

func printResponse(resp *resty.Response, out io.Writer) error {
	var pretty json.RawMessage
	if err := json.Unmarshal(resp.Body(), &pretty); err == nil {
		indented, err := json.MarshalIndent(pretty, "", "  ")
		if err == nil {
			fmt.Fprintln(out, string(indented))
		} else {
			fmt.Fprintln(out, string(resp.Body()))
		}
	} else {
		fmt.Fprintln(out, string(resp.Body()))
	}
	if resp.IsError() {
		return fmt.Errorf("http %d", resp.StatusCode())
	}
	return nil
}
