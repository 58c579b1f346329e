package supplier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/imrishuroy/go-goods-ledger/internal/money"
)

const credentialSeparator = "\n"

type stockPayload struct {
	Name  *string         `json:"name"`
	Stock json.RawMessage `json:"stock"`
	Price json.RawMessage `json:"price"`
}

type purchasePayload struct {
	OrderID json.RawMessage `json:"order_id"`
}

type credentialsPayload struct {
	Status      string          `json:"status"`
	Credentials json.RawMessage `json:"credentials"`
	Message     string          `json:"message"`
}

func decodeStrict(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// parseStock validates a stock lookup body. Name defaults to the reference; stock and price are
// required, must be non-negative, and the price must fit two decimal places.
func parseStock(ref string, body []byte) (*Stock, error) {
	var p stockPayload
	if err := decodeStrict(body, &p); err != nil {
		return nil, err
	}
	qty, err := parseCount(p.Stock)
	if err != nil {
		return nil, fmt.Errorf("%w: stock: %v", ErrMalformed, err)
	}
	price, err := parseAmount(p.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: price: %v", ErrMalformed, err)
	}
	name := ref
	if p.Name != nil && strings.TrimSpace(*p.Name) != "" {
		name = strings.TrimSpace(*p.Name)
	}
	return &Stock{Ref: ref, Name: name, Stock: qty, Price: price}, nil
}

func parsePurchase(body []byte) (string, error) {
	var p purchasePayload
	if err := decodeStrict(body, &p); err != nil {
		return "", err
	}
	id, err := parseID(p.OrderID)
	if err != nil {
		return "", fmt.Errorf("%w: order_id: %v", ErrMalformed, err)
	}
	return id, nil
}

// parseCredentials returns the delivered credentials joined by newlines. A pending status or an
// empty list is ErrNotReady; a failed status is a rejection.
func parseCredentials(body []byte) (string, error) {
	var p credentialsPayload
	if err := decodeStrict(body, &p); err != nil {
		return "", err
	}
	switch strings.ToLower(strings.TrimSpace(p.Status)) {
	case "pending", "processing":
		return "", ErrNotReady
	case "failed", "cancelled", "canceled":
		return "", &RejectedError{StatusCode: 200, Code: p.Status, Message: p.Message}
	}

	var list []string
	if len(p.Credentials) > 0 && !bytes.Equal(p.Credentials, []byte("null")) {
		var single string
		if err := json.Unmarshal(p.Credentials, &single); err == nil {
			list = []string{single}
		} else if err := json.Unmarshal(p.Credentials, &list); err != nil {
			return "", fmt.Errorf("%w: credentials must be a string or list of strings", ErrMalformed)
		}
	}
	out := make([]string, 0, len(list))
	for _, c := range list {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "", ErrNotReady
	}
	return strings.Join(out, credentialSeparator), nil
}

func parseCount(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("missing")
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("not a number")
		}
		n = json.Number(strings.TrimSpace(s))
	}
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", n)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative: %d", v)
	}
	return int(v), nil
}

func parseAmount(raw json.RawMessage) (money.Amount, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("not a number")
		}
		s = n.String()
	}
	a, err := money.Parse(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if a < 0 {
		return 0, fmt.Errorf("negative: %s", a)
	}
	return a, nil
}

func parseID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s = strings.TrimSpace(s); s == "" {
			return "", fmt.Errorf("empty")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("not a string or number")
	}
	return n.String(), nil
}
