package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Message is one entry in a mailbox's message list (§4.6). UIDL is the
// Graph message id, which is already URL-safe and well under the 70-char
// POP3 UIDL limit.
type Message struct {
	ID   string
	Size int64
}

// Send dispatches rawMIME through the inline sendMail call when it fits
// under InlineSendLimit, or the chunked draft+attachment-session path
// otherwise (§4.2).
func (c *Client) Send(ctx context.Context, from string, rawMIME []byte) (ErrorClass, error) {
	if len(rawMIME) > InlineSendLimit {
		return c.SendMailLarge(ctx, from, rawMIME)
	}
	return c.SendMail(ctx, from, rawMIME)
}

// SendMail posts the raw MIME message, base64-encoded, to
// POST /users/{user}/sendMail (§4.2, §6).
func (c *Client) SendMail(ctx context.Context, from string, rawMIME []byte) (ErrorClass, error) {
	encoded := base64.StdEncoding.EncodeToString(rawMIME)
	reqURL := graphURL("/users/%s/sendMail", url.PathEscape(from))
	resp, class, err := c.doRawMIME(ctx, http.MethodPost, reqURL, encoded)
	if err != nil {
		return class, err
	}
	defer resp.Body.Close()

	if class != ClassOK {
		return class, fmt.Errorf("graph: sendMail: unexpected status %d", resp.StatusCode)
	}
	return ClassOK, nil
}

// doRawMIME issues a base64-encoded-raw-MIME request. Graph's sendMail
// endpoint accepts this shape when the caller sets the appropriate content
// type.
func (c *Client) doRawMIME(ctx context.Context, method, reqURL string, base64Body string) (*http.Response, ErrorClass, error) {
	return c.authorizedRequest(ctx, method, reqURL, []byte(base64Body), "text/plain")
}

// SendMailLarge sends a message whose serialized MIME exceeds
// InlineSendLimit using the chunked-upload path: create a draft, upload the
// body/attachments in ≤ ChunkSize ranges via an attachment upload session,
// then send the draft (§4.2).
func (c *Client) SendMailLarge(ctx context.Context, from string, rawMIME []byte) (ErrorClass, error) {
	draftID, class, err := c.createDraft(ctx, from)
	if err != nil {
		return class, err
	}

	uploadURL, class, err := c.createUploadSession(ctx, from, draftID, int64(len(rawMIME)))
	if err != nil {
		return class, err
	}

	if class, err := c.uploadInChunks(ctx, uploadURL, rawMIME); err != nil {
		return class, err
	}

	return c.sendDraft(ctx, from, draftID)
}

func (c *Client) createDraft(ctx context.Context, mailbox string) (string, ErrorClass, error) {
	reqURL := graphURL("/users/%s/messages", url.PathEscape(mailbox))
	resp, class, err := c.authorizedRequest(ctx, http.MethodPost, reqURL, []byte(`{}`), "application/json")
	if err != nil {
		return "", class, err
	}
	defer resp.Body.Close()
	if class != ClassOK {
		return "", class, fmt.Errorf("graph: createDraft: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", ClassRetryable, fmt.Errorf("graph: decoding draft response: %w", err)
	}
	return out.ID, ClassOK, nil
}

func (c *Client) createUploadSession(ctx context.Context, mailbox, draftID string, size int64) (string, ErrorClass, error) {
	reqURL := graphURL("/users/%s/messages/%s/attachments/createUploadSession", url.PathEscape(mailbox), url.PathEscape(draftID))
	payload, _ := json.Marshal(map[string]any{
		"AttachmentItem": map[string]any{
			"attachmentType": "file",
			"name":           "message.eml",
			"size":           size,
		},
	})
	resp, class, err := c.authorizedRequest(ctx, http.MethodPost, reqURL, payload, "application/json")
	if err != nil {
		return "", class, err
	}
	defer resp.Body.Close()
	if class != ClassOK {
		return "", class, fmt.Errorf("graph: createUploadSession: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		UploadURL string `json:"uploadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", ClassRetryable, fmt.Errorf("graph: decoding upload session response: %w", err)
	}
	return out.UploadURL, ClassOK, nil
}

// uploadInChunks uploads data to an attachment upload session in ≤
// ChunkSize ranges, each with a Content-Range header, per-range timeout
// bounded by the 60s call timeout (§5).
func (c *Client) uploadInChunks(ctx context.Context, uploadURL string, data []byte) (ErrorClass, error) {
	total := len(data)
	for offset := 0; offset < total; offset += ChunkSize {
		end := offset + ChunkSize
		if end > total {
			end = total
		}
		chunk := data[offset:end]

		reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
		if err != nil {
			cancel()
			return ClassRetryable, err
		}
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end-1, total))
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(chunk)))

		resp, err := c.http.Do(req)
		cancel()
		if err != nil {
			return ClassRetryable, err
		}
		class := classifyStatus(resp.StatusCode, false)
		resp.Body.Close()
		if class != ClassOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
			return class, fmt.Errorf("graph: chunk upload failed with status %d", resp.StatusCode)
		}
	}
	return ClassOK, nil
}

func (c *Client) sendDraft(ctx context.Context, mailbox, draftID string) (ErrorClass, error) {
	reqURL := graphURL("/users/%s/messages/%s/send", url.PathEscape(mailbox), url.PathEscape(draftID))
	resp, class, err := c.authorizedRequest(ctx, http.MethodPost, reqURL, nil, "")
	if err != nil {
		return class, err
	}
	defer resp.Body.Close()
	if class != ClassOK {
		return class, fmt.Errorf("graph: sendDraft: unexpected status %d", resp.StatusCode)
	}
	return ClassOK, nil
}

// ListMessages fetches the message list from mailbox's folder, following
// @odata.nextLink pages until exhausted, building the frozen session list
// the POP3 engine uses for the duration of a TRANSACTION (§4.6, §9). When
// since is non-zero, only messages received at or after it are returned
// (Graph's receivedDateTime filter); POP3 always passes the zero value to
// fetch the whole folder once per session.
func (c *Client) ListMessages(ctx context.Context, mailbox, folder string, since time.Time) ([]Message, ErrorClass, error) {
	reqURL := graphURL("/users/%s/mailFolders/%s/messages?$select=id,internetMessageId,receivedDateTime,size&$orderby=receivedDateTime&$top=50",
		url.PathEscape(mailbox), url.PathEscape(folder))
	if !since.IsZero() {
		reqURL += "&$filter=" + url.QueryEscape(fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	}

	var out []Message
	for reqURL != "" {
		resp, class, err := c.authorizedRequest(ctx, http.MethodGet, reqURL, nil, "")
		if err != nil {
			return nil, class, err
		}
		if class != ClassOK {
			resp.Body.Close()
			return nil, class, fmt.Errorf("graph: listMessages: unexpected status %d", resp.StatusCode)
		}

		var page struct {
			Value []struct {
				ID   string `json:"id"`
				Size int64  `json:"size"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			resp.Body.Close()
			return nil, ClassRetryable, fmt.Errorf("graph: decoding message list page: %w", err)
		}
		resp.Body.Close()

		for _, v := range page.Value {
			out = append(out, Message{ID: v.ID, Size: v.Size})
		}
		reqURL = page.NextLink
	}

	return out, ClassOK, nil
}

// FetchMIME retrieves the raw RFC 5322 bytes of a message via
// GET /users/{mailbox}/messages/{id}/$value (§4.6, §6).
func (c *Client) FetchMIME(ctx context.Context, mailbox, messageID string) ([]byte, ErrorClass, error) {
	reqURL := graphURL("/users/%s/messages/%s/$value", url.PathEscape(mailbox), url.PathEscape(messageID))
	resp, class, err := c.authorizedRequest(ctx, http.MethodGet, reqURL, nil, "")
	if err != nil {
		return nil, class, err
	}
	defer resp.Body.Close()
	if class != ClassOK {
		return nil, class, fmt.Errorf("graph: fetchMime: unexpected status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassRetryable, err
	}
	return raw, ClassOK, nil
}

// MarkRead sets isRead=true via PATCH …/messages/{id} (§4.6, §6).
func (c *Client) MarkRead(ctx context.Context, mailbox, messageID string) (ErrorClass, error) {
	reqURL := graphURL("/users/%s/messages/%s", url.PathEscape(mailbox), url.PathEscape(messageID))
	resp, class, err := c.authorizedRequest(ctx, http.MethodPatch, reqURL, []byte(`{"isRead":true}`), "application/json")
	if err != nil {
		return class, err
	}
	defer resp.Body.Close()
	if class != ClassOK {
		return class, fmt.Errorf("graph: markRead: unexpected status %d", resp.StatusCode)
	}
	return ClassOK, nil
}

// Delete removes a message via DELETE …/messages/{id} (§4.6, §6).
func (c *Client) Delete(ctx context.Context, mailbox, messageID string) (ErrorClass, error) {
	reqURL := graphURL("/users/%s/messages/%s", url.PathEscape(mailbox), url.PathEscape(messageID))
	resp, class, err := c.authorizedRequest(ctx, http.MethodDelete, reqURL, nil, "")
	if err != nil {
		return class, err
	}
	defer resp.Body.Close()
	if class != ClassOK {
		return class, fmt.Errorf("graph: delete: unexpected status %d", resp.StatusCode)
	}
	return ClassOK, nil
}

// authorizedRequest performs a Graph call with a valid bearer token,
// reactively refreshing once and retrying on a 401/403 (§4.2).
func (c *Client) authorizedRequest(ctx context.Context, method, reqURL string, body []byte, contentType string) (*http.Response, ErrorClass, error) {
	token, err := c.EnsureToken(ctx)
	if err != nil {
		return nil, ClassAuth, err
	}
	return c.doWithToken(ctx, method, reqURL, body, contentType, token, false)
}

func (c *Client) doWithToken(ctx context.Context, method, reqURL string, body []byte, contentType, token string, refreshed bool) (*http.Response, ErrorClass, error) {
	reqCtx, cancel := c.ctxWithCallTimeout(ctx)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, reqURL, reader)
	if err != nil {
		return nil, ClassRetryable, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ClassRetryable, err
	}

	class := classifyStatus(resp.StatusCode, refreshed)

	if !refreshed && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		resp.Body.Close()
		c.forceExpire()
		newToken, err := c.EnsureToken(ctx)
		if err != nil {
			return nil, ClassAuth, err
		}
		return c.doWithToken(ctx, method, reqURL, body, contentType, newToken, true)
	}

	return resp, class, nil
}

// forceExpire marks the cached access token expired so the next
// EnsureToken call performs a reactive refresh (§4.2: "reactively on a 401
// response").
func (c *Client) forceExpire() {
	c.mu.Lock()
	c.bundle.ExpiresAt = time.Time{}
	c.mu.Unlock()
}
