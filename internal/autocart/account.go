package autocart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Booking time slots and dealer locations offered for test drives.
var (
	BookingTimeSlots = []string{
		"09:00 AM", "10:00 AM", "11:00 AM", "12:00 PM",
		"02:00 PM", "03:00 PM", "04:00 PM", "05:00 PM",
	}
	DealerLocations = []string{
		"Downtown Showroom - 123 Main St",
		"City Mall Branch - Mall Road",
		"Highway Center - NH-48",
		"Airport Terminal - IGI T3",
	}
)

// Preference flags a user can toggle.
var preferenceKeys = []string{
	"push_enabled",
	"price_drop_alerts",
	"new_model_alerts",
	"test_drive_reminders",
	"offer_alerts",
	"wishlist_reminders",
}

// Booking is a test drive request.
type Booking struct {
	ID             string  `json:"id,omitempty"`
	UserID         string  `json:"user_id"`
	CarID          string  `json:"car_id"`
	BookingDate    string  `json:"booking_date"` // YYYY-MM-DD
	BookingTime    string  `json:"booking_time"`
	DealerLocation string  `json:"dealer_location"`
	Phone          string  `json:"phone"`
	Notes          *string `json:"notes"`
	Status         string  `json:"status,omitempty"`
}

// Validate checks the booking form rules.
func (b Booking) Validate() error {
	var problems []string
	if b.UserID == "" {
		problems = append(problems, "user is required")
	}
	if b.CarID == "" {
		problems = append(problems, "car is required")
	}
	if _, err := time.Parse(time.DateOnly, b.BookingDate); err != nil {
		problems = append(problems, "please select a date")
	}
	if !slices.Contains(BookingTimeSlots, b.BookingTime) {
		problems = append(problems, "please select a time")
	}
	if !slices.Contains(DealerLocations, b.DealerLocation) {
		problems = append(problems, "please select a location")
	}
	switch n := len(strings.TrimSpace(b.Phone)); {
	case n < 10:
		problems = append(problems, "please enter a valid phone number")
	case n > 15:
		problems = append(problems, "phone number too long")
	}
	if b.Notes != nil && len([]rune(*b.Notes)) > 500 {
		problems = append(problems, "notes must be less than 500 characters")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidBooking, strings.Join(problems, "; "))
	}
	return nil
}

// Preferences are the per-user notification switches.
type Preferences struct {
	UserID             string `json:"user_id,omitempty"`
	PushEnabled        bool   `json:"push_enabled"`
	PriceDropAlerts    bool   `json:"price_drop_alerts"`
	NewModelAlerts     bool   `json:"new_model_alerts"`
	TestDriveReminders bool   `json:"test_drive_reminders"`
	OfferAlerts        bool   `json:"offer_alerts"`
	WishlistReminders  bool   `json:"wishlist_reminders"`
}

// AccountClient talks to the hosted backend's REST interface.
type AccountClient struct {
	baseURL string
	apiKey  string
	client  *http.Client

	// AccessToken is the signed-in user's token. Without it requests are
	// authorized with the API key alone.
	AccessToken string
}

type accessTokenKey struct{}

// WithAccessToken scopes a user token to the calls made with ctx. It takes
// precedence over AccountClient.AccessToken.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, token)
}

func NewAccountClient(baseURL, apiKey string, client *http.Client) *AccountClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &AccountClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

// CreateBooking validates b and stores it.
func (c *AccountClient) CreateBooking(ctx context.Context, b Booking) (Booking, error) {
	if b.Notes != nil && *b.Notes == "" {
		b.Notes = nil
	}
	if err := b.Validate(); err != nil {
		return Booking{}, err
	}
	var out []Booking
	if err := c.do(ctx, http.MethodPost, "/rest/v1/test_drive_bookings", nil, b, &out); err != nil {
		return Booking{}, fmt.Errorf("create booking: %w", err)
	}
	if len(out) == 0 {
		return b, nil
	}
	return out[0], nil
}

// Bookings lists a user's bookings, earliest date first.
func (c *AccountClient) Bookings(ctx context.Context, userID string) ([]Booking, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("user_id", "eq."+userID)
	q.Set("order", "booking_date.asc")
	var out []Booking
	if err := c.do(ctx, http.MethodGet, "/rest/v1/test_drive_bookings", q, nil, &out); err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return out, nil
}

// Preferences returns the user's switches, or nil if none are stored.
func (c *AccountClient) Preferences(ctx context.Context, userID string) (*Preferences, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("user_id", "eq."+userID)
	var out []Preferences
	if err := c.do(ctx, http.MethodGet, "/rest/v1/notification_preferences", q, nil, &out); err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// UpdatePreference sets one switch.
func (c *AccountClient) UpdatePreference(ctx context.Context, userID, key string, value bool) error {
	if !slices.Contains(preferenceKeys, key) {
		return fmt.Errorf("%w: %q", ErrUnknownPreference, key)
	}
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	if err := c.do(ctx, http.MethodPatch, "/rest/v1/notification_preferences", q, map[string]bool{key: value}, nil); err != nil {
		return fmt.Errorf("update preference %s: %w", key, err)
	}
	return nil
}

type apiError struct {
	Message string `json:"message"`
}

func (c *AccountClient) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	token, _ := ctx.Value(accessTokenKey{}).(string)
	if token == "" {
		token = c.AccessToken
	}
	if token == "" {
		token = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Message != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, ae.Message)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
