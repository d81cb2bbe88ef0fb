package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type letterResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Title      string `json:"title"`
	DeliveryAt string `json:"deliveryAt"`
}

type listResponse struct {
	Letters []letterResponse `json:"letters"`
	Total   int              `json:"total"`
}

func main() {
	baseURL := getenvDefault("SLOWPOST_URL", "http://localhost:3025")
	smtpAddr := getenvDefault("SLOWPOST_SMTP", "localhost:2025")
	smtpUser := getenvDefault("SMTP_USERNAME", "slowpost")
	smtpPass := getenvDefault("SMTP_PASSWORD", "slowpost")

	author := "ada@slowpost.dev"
	recipient := "grace@slowpost.dev"

	fmt.Println("Submitting a draft by mail as", author)
	msg, err := buildLetter(author, recipient, "Written on the train", "The fields were white with frost this morning.")
	if err != nil {
		panic(err)
	}
	if err := submit(smtpAddr, smtpUser, smtpPass, author, recipient, msg); err != nil {
		fmt.Fprintln(os.Stderr, "smtp error:", err)
	}

	client := newClient()
	fmt.Println("Logging in as", author)
	login(client, baseURL, author)

	fmt.Println("Writing a second draft over HTTP...")
	var draft letterResponse
	doJSON(client, http.MethodPost, baseURL+"/api/letters", map[string]string{
		"recipient": recipient,
		"title":     "A postscript",
		"body":      "I forgot to mention the frost had melted by noon.",
	}, &draft)

	fmt.Println("Drafts:")
	var drafts listResponse
	doJSON(client, http.MethodGet, baseURL+"/api/letters?box=drafts", nil, &drafts)
	for _, l := range drafts.Letters {
		fmt.Printf("- %s %q\n", l.ID, l.Title)
	}

	var sent letterResponse
	doJSON(client, http.MethodPost, baseURL+"/api/letters/"+draft.ID+"/send", nil, &sent)
	fmt.Printf("Sent %s, arrives %s\n", sent.ID, sent.DeliveryAt)

	var outbox listResponse
	doJSON(client, http.MethodGet, baseURL+"/api/letters?box=outbox", nil, &outbox)
	fmt.Printf("Outbox holds %d letter(s)\n", outbox.Total)
}

func buildLetter(from, to, subject, body string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body+"\r\n"); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func submit(addr, username, password, from, to string, msg []byte) error {
	c, err := smtp.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Hello("localhost"); err != nil {
		return err
	}
	if username != "" {
		if err := c.Auth(sasl.NewPlainClient("", username, password)); err != nil {
			return err
		}
	}
	if err := c.SendMail(from, []string{to}, bytes.NewReader(msg)); err != nil {
		return err
	}
	return c.Quit()
}

func newClient() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Timeout: 10 * time.Second,
		Jar:     jar,
	}
}

func login(client *http.Client, baseURL, email string) {
	var out map[string]string
	doJSON(client, http.MethodPost, baseURL+"/api/login", map[string]string{"email": email}, &out)
}

func doJSON(client *http.Client, method, url string, payload, out any) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		panic(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		panic(fmt.Sprintf("request failed: %s %s: %s", method, url, string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		panic(err)
	}
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
