package notifications

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// APNsConfig holds configuration for Apple Push Notification service
type APNsConfig struct {
	KeyPath    string // Path to .p8 key file
	KeyID      string // Key ID from Apple Developer Portal
	TeamID     string // Team ID from Apple Developer Portal
	BundleID   string // App bundle ID
	Production bool   // Use production environment
}

// APNsClient sends push notifications via Apple Push Notification service
type APNsClient struct {
	client   *apns2.Client
	bundleID string
	logger   *log.Logger
	mu       sync.Mutex
}

// NewAPNsClient creates a new APNs client. Returns nil with no error when
// the configuration is incomplete; all methods are safe on a nil client.
func NewAPNsClient(cfg APNsConfig, logger *log.Logger) (*APNsClient, error) {
	if cfg.KeyPath == "" || cfg.KeyID == "" || cfg.TeamID == "" || cfg.BundleID == "" {
		logger.Println("APNs: missing configuration, push notifications disabled")
		return nil, nil
	}

	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read APNs key file: %w", err)
	}

	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode APNs key PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs key: %w", err)
	}

	ecdsaKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("APNs key is not an ECDSA private key")
	}

	authToken := &token.Token{
		AuthKey: ecdsaKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	var client *apns2.Client
	if cfg.Production {
		client = apns2.NewTokenClient(authToken).Production()
	} else {
		client = apns2.NewTokenClient(authToken).Development()
	}

	logger.Printf("APNs: client initialized (production=%v, bundle=%s)", cfg.Production, cfg.BundleID)

	return &APNsClient{
		client:   client,
		bundleID: cfg.BundleID,
		logger:   logger,
	}, nil
}

// SessionNotification represents data for a session-finalized notification
type SessionNotification struct {
	SessionID      string
	PatientLabel   string
	ChiefComplaint string
	SegmentCount   int
}

// SendSessionFinalized notifies the clinician's device that a session's note
// is ready for review.
func (c *APNsClient) SendSessionFinalized(deviceToken string, notif SessionNotification) error {
	if c == nil || c.client == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	body := fmt.Sprintf("Note ready for review (%d segments)", notif.SegmentCount)
	if notif.ChiefComplaint != "" {
		body = fmt.Sprintf("Note ready: %s (%d segments)", notif.ChiefComplaint, notif.SegmentCount)
	}

	p := payload.NewPayload().
		AlertTitle(fmt.Sprintf("Session finished: %s", notif.PatientLabel)).
		AlertBody(body).
		Sound("default").
		Custom("session_id", notif.SessionID)

	notification := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       c.bundleID,
		Payload:     p,
		Expiration:  time.Now().Add(24 * time.Hour),
	}

	res, err := c.client.Push(notification)
	if err != nil {
		c.logger.Printf("APNs: failed to send notification: %v", err)
		return err
	}

	if res.StatusCode != 200 {
		c.logger.Printf("APNs: notification rejected (status=%d, reason=%s)", res.StatusCode, res.Reason)
		return fmt.Errorf("APNs rejected notification: %s", res.Reason)
	}

	c.logger.Printf("APNs: notification sent successfully to %s...", deviceToken[:16])
	return nil
}
