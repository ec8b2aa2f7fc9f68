package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/covault/covaultd/internal/core/domain"
	"github.com/covault/covaultd/internal/core/ports"
	"github.com/covault/covaultd/pkg/psbtx"
)

// signRequestExpiry is how long a matured request stays signable. The cosigner
// signatures commit to concrete utxos, so a stale request is worthless anyway
// once those are gone.
const signRequestExpiry = 7 * 24 * time.Hour

// SignerService applies the platform's co-signature to sign requests whose
// delay has elapsed. It never signs blindly: after signing it re-validates the
// packet against the original template and requires its own fingerprint in
// the recovered signer set, so a signing pass that produced no actual new
// signature fails loudly instead of being recorded as done.
type SignerService struct {
	repoManager ports.RepoManager
	engine      *psbtx.Engine
	bus         ports.EventBus
	delay       time.Duration
}

func NewSignerService(
	repoManager ports.RepoManager, engine *psbtx.Engine, bus ports.EventBus,
	delay time.Duration,
) *SignerService {
	return &SignerService{repoManager, engine, bus, delay}
}

// RequestSignature queues a platform co-signature order for a cosigner-signed
// packet. The update is validated against the template right away, so a bad
// packet is rejected at the door instead of failing silently when it matures.
func (s *SignerService) RequestSignature(
	ctx context.Context, walletID, packet, current string,
) (*domain.SignRequest, error) {
	result, err := s.engine.Validate(packet, "", current)
	if err != nil {
		return nil, fmt.Errorf("invalid packet: %w", err)
	}

	delay := s.delay
	key, err := s.repoManager.PlatformKeys().GetKeyByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if key != nil && key.VerificationPeriod > 0 {
		delay = key.VerificationPeriod
	}

	now := time.Now()
	dueAt := now.Add(delay)
	request := domain.SignRequest{
		ID:        uuid.NewString(),
		WalletID:  walletID,
		Packet:    packet,
		Current:   result.Packet,
		DueAt:     dueAt,
		ExpiresAt: dueAt.Add(signRequestExpiry),
		CreatedAt: now,
	}
	if err := s.repoManager.PlatformKeys().AddSignRequest(ctx, request); err != nil {
		return nil, err
	}
	log.Infof(
		"queued sign request %s of wallet %s, due at %s",
		request.ID, walletID, request.DueAt.Format(time.RFC3339),
	)
	return &request, nil
}

// Run processes all matured sign requests. Failures are recorded per request,
// one bad packet never blocks the rest of the batch.
func (s *SignerService) Run(ctx context.Context) {
	requests, err := s.repoManager.PlatformKeys().DueSignRequests(ctx, time.Now())
	if err != nil {
		log.WithError(err).Error("failed to list due sign requests")
		return
	}
	for _, request := range requests {
		if err := s.processRequest(ctx, request); err != nil {
			log.WithError(err).Errorf("failed to co-sign request %s", request.ID)
			if dbErr := s.repoManager.PlatformKeys().MarkSignRequestFailed(
				ctx, request.ID, err.Error(),
			); dbErr != nil {
				log.WithError(dbErr).Errorf("failed to record failure of request %s", request.ID)
			}
		}
	}
}

func (s *SignerService) processRequest(ctx context.Context, request domain.SignRequest) error {
	key, err := s.repoManager.PlatformKeys().GetKeyByWallet(ctx, request.WalletID)
	if err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("wallet %s has no platform key", request.WalletID)
	}

	toSign := request.Current
	if toSign == "" {
		toSign = request.Packet
	}
	signed, err := s.engine.Sign(toSign, key.ExtendedPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	result, err := s.engine.Validate(request.Packet, request.Current, signed)
	if err != nil {
		return fmt.Errorf("failed to validate own signature: %w", err)
	}
	if !containsFingerprint(result.SignerFingerprints, key.MasterFingerprint) {
		return fmt.Errorf(
			"signing produced no signature attributable to fingerprint %s",
			key.MasterFingerprint,
		)
	}

	now := time.Now()
	if err := s.repoManager.PlatformKeys().MarkSignRequestSigned(
		ctx, request.ID, result.Packet, now,
	); err != nil {
		return err
	}
	log.Infof("co-signed request %s of wallet %s", request.ID, request.WalletID)

	// with two signatures the quorum is complete; store the transaction and
	// hand it to the broadcaster
	_, txid, err := s.engine.ExtractTransaction(result.Packet)
	if err != nil {
		log.Debugf("request %s still lacks signatures after co-signing", request.ID)
		return nil
	}

	existing, err := s.repoManager.Transactions().GetTransaction(ctx, request.WalletID, txid)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := s.repoManager.Transactions().AddTransaction(ctx, domain.Transaction{
			Txid:      txid,
			WalletID:  request.WalletID,
			Source:    domain.TxSourceApp,
			Packet:    result.Packet,
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}
	if err := s.bus.Publish(
		ctx, TopicBroadcastTx, eventPayload(request.WalletID, txid),
	); err != nil {
		log.WithError(err).Warnf("failed to publish broadcast order for tx %s", txid)
	}
	return nil
}

func containsFingerprint(fingerprints []string, fingerprint string) bool {
	for _, fp := range fingerprints {
		if fp == fingerprint {
			return true
		}
	}
	return false
}
