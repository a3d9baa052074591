package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrNoToken         = errors.New("channel has no stored token")
)

// ChannelTokens is the persistence the vault reads and writes ciphertext through.
type ChannelTokens interface {
	GetChannel(ctx context.Context, id string) (*domain.Channel, error)
	// UpdateTokens stores the sealed pair and marks the channel active
	// again, clearing its last failure.
	UpdateTokens(ctx context.Context, id string, accessEnc, refreshEnc []byte) error
}

// Vault supplies plaintext tokens for channels whose tokens are stored
// AES-256-GCM sealed, nonce prepended.
type Vault struct {
	aead     cipher.AEAD
	channels ChannelTokens
}

func NewVault(key []byte, channels ChannelTokens) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("token encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return &Vault{aead: aead, channels: channels}, nil
}

func (v *Vault) AccessToken(ctx context.Context, channelID string) (string, error) {
	ch, err := v.channel(ctx, channelID)
	if err != nil {
		return "", err
	}
	return v.open(ch.AccessTokenEnc)
}

func (v *Vault) RefreshToken(ctx context.Context, channelID string) (string, error) {
	ch, err := v.channel(ctx, channelID)
	if err != nil {
		return "", err
	}
	return v.open(ch.RefreshTokenEnc)
}

// UpdateTokens seals and stores a new token pair for the channel. A channel
// deactivated for rejected credentials becomes a poll target again.
func (v *Vault) UpdateTokens(ctx context.Context, channelID, accessToken, refreshToken string) error {
	accessEnc, err := v.Seal(accessToken)
	if err != nil {
		return err
	}
	refreshEnc, err := v.Seal(refreshToken)
	if err != nil {
		return err
	}
	if err := v.channels.UpdateTokens(ctx, channelID, accessEnc, refreshEnc); err != nil {
		return fmt.Errorf("storing tokens for channel %s: %w", channelID, err)
	}
	return nil
}

// Seal encrypts a token for storage.
func (v *Vault) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (v *Vault) open(sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", ErrNoToken
	}
	n := v.aead.NonceSize()
	if len(sealed) < n {
		return "", fmt.Errorf("decrypting token: ciphertext too short")
	}
	plain, err := v.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting token: %w", err)
	}
	return string(plain), nil
}

func (v *Vault) channel(ctx context.Context, channelID string) (*domain.Channel, error) {
	ch, err := v.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("loading channel %s: %w", channelID, err)
	}
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return ch, nil
}
