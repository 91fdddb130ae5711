package pdftext

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// RemoteOCR extracts text from scanned PDFs through an OCR HTTP API.
type RemoteOCR struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewRemoteOCR creates a RemoteOCR extractor pointed at the given endpoint.
func NewRemoteOCR(endpoint, apiKey string) *RemoteOCR {
	return &RemoteOCR{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{},
	}
}

type remoteOCRRequest struct {
	Document remoteOCRDocument `json:"document"`
}

type remoteOCRDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type remoteOCRResponse struct {
	Pages []remoteOCRPage `json:"pages"`
}

type remoteOCRPage struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// ExtractText reads a PDF file, sends it to the OCR API as a base64 data URL,
// and returns the concatenated page text.
func (m *RemoteOCR) ExtractText(ctx context.Context, pdfPath string) (string, error) {
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return "", eris.Wrapf(err, "pdftext: read PDF %s", pdfPath)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	dataURL := "data:application/pdf;base64," + encoded

	reqBody := remoteOCRRequest{
		Document: remoteOCRDocument{
			Type:        "document_url",
			DocumentURL: dataURL,
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", eris.Wrap(err, "pdftext: marshal ocr request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", eris.Wrap(err, "pdftext: create ocr request")
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "pdftext: ocr API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "pdftext: read ocr response")
	}

	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("pdftext: ocr API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var ocrResp remoteOCRResponse
	if err := json.Unmarshal(respBody, &ocrResp); err != nil {
		return "", eris.Wrap(err, "pdftext: unmarshal ocr response")
	}

	var sb strings.Builder
	for i, page := range ocrResp.Pages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(page.Text)
	}

	return sb.String(), nil
}
