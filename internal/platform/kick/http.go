// ABOUTME: Small HTTP body helpers shared by the REST send path

package kick

import (
	"bytes"
	"io"
	"net/http"
)

func jsonReader(body []byte) io.Reader {
	return bytes.NewReader(body)
}

func readAll(resp *http.Response) (string, error) {
	data, err := io.ReadAll(resp.Body)
	return string(data), err
}
