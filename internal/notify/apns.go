// Package notify pushes a background wake-up to the linked device after
// this one lands new records, so the partner pulls without waiting for its
// periodic sync interval.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"

	"pairsync/internal/config"
	"pairsync/internal/remote"
)

// APNs notifies the partner device over Apple Push. The partner's token
// lives on the room document, registered by each device after pairing.
type APNs struct {
	client *apns2.Client
	topic  string
	docs   remote.DocumentStore
	roomID string
	selfID string
}

// NewAPNs builds a notifier from config. Returns (nil, nil) when no key is
// configured: push is optional and the coordinator treats a nil notifier as
// disabled.
func NewAPNs(cfg config.APNsConfig, docs remote.DocumentStore, roomID, selfID string) (*APNs, error) {
	if cfg.KeyPath == "" {
		return nil, nil
	}

	authKey, err := token.AuthKeyFromFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs auth key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return &APNs{
		client: client,
		topic:  cfg.BundleID,
		docs:   docs,
		roomID: roomID,
		selfID: selfID,
	}, nil
}

// NotifyPartner sends a content-available push. Failures are logged and
// swallowed: the partner's periodic sync covers a lost push.
func (n *APNs) NotifyPartner(ctx context.Context, newRecords int) {
	deviceToken, err := n.docs.PartnerPushToken(ctx, n.roomID, n.selfID)
	if err != nil {
		log.Error().Err(err).Str("room_id", n.roomID).Msg("Failed to look up partner push token")
		return
	}
	if deviceToken == "" {
		return
	}

	notification := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       n.topic,
		PushType:    apns2.PushTypeBackground,
		Payload: []byte(fmt.Sprintf(
			`{"aps":{"content-available":1},"new_records":%d}`, newRecords)),
	}

	res, err := n.client.PushWithContext(ctx, notification)
	if err != nil {
		log.Error().Err(err).Str("room_id", n.roomID).Msg("Failed to push partner notification")
		return
	}
	if !res.Sent() {
		log.Warn().
			Str("room_id", n.roomID).
			Int("status", res.StatusCode).
			Str("reason", res.Reason).
			Msg("Partner notification rejected")
		return
	}

	log.Debug().Str("room_id", n.roomID).Int("new_records", newRecords).Msg("Partner notified")
}
