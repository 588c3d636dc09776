package gateways

import (
	"context"
	"errors"
	"fmt"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
	"github.com/Opentrons/opentrons-python-packages/internal/external-adapters/gpg"
)

// sourceVerifier implements gateways.SourceVerifier by composing the
// checksum and signature verifiers
type sourceVerifier struct {
	checksum *checksumVerifier
	gpgOpts  []gpg.Option
}

// NewSourceVerifier creates a verifier; gpgOpts configure the keyring used
// for each signature check
//
//nolint:revive // unexported-return: Intentionally returns concrete type for testability
func NewSourceVerifier(gpgOpts ...gpg.Option) *sourceVerifier {
	return &sourceVerifier{
		checksum: NewChecksumVerifier(),
		gpgOpts:  gpgOpts,
	}
}

// VerifySource checks the archive against whatever the recipe declares.
// Failures match entities.ErrVerificationFailed.
func (v *sourceVerifier) VerifySource(ctx context.Context, archivePath string, sv entities.SourceVerification) error {
	if sv.SHA256 != "" {
		if err := v.checksum.VerifyChecksum(ctx, archivePath, sv.SHA256); err != nil {
			return fmt.Errorf("%w: %w", entities.ErrVerificationFailed, err)
		}
	}

	if sv.SignatureURL != "" {
		if err := v.verifySignature(ctx, archivePath, sv); err != nil {
			return fmt.Errorf("%w: %w", entities.ErrVerificationFailed, err)
		}
	}
	return nil
}

func (v *sourceVerifier) verifySignature(ctx context.Context, archivePath string, sv entities.SourceVerification) error {
	g := NewGPGVerifier(v.gpgOpts...)

	if sv.GPGKeyFile != "" {
		if err := g.ImportGPGKeyFromFile(sv.GPGKeyFile); err != nil {
			return err
		}
	}
	if sv.GPGKeysURL != "" {
		if err := g.ImportGPGKeysFromURL(ctx, sv.GPGKeysURL); err != nil {
			return err
		}
	}
	if len(sv.GPGKeyIDs) > 0 {
		if err := g.ImportGPGKeys(ctx, sv.GPGKeyIDs); err != nil {
			return err
		}
	}
	if g.GetKeyringSize() == 0 {
		return errors.New("signature_url needs gpg_key_ids, gpg_keys_url or gpg_key_file")
	}

	return g.VerifyGPGSignature(ctx, archivePath, sv.SignatureURL)
}
