// Package secrets overlays provider credentials stored in AWS Secrets Manager
// onto the environment-derived configuration.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/config"
)

// ProviderSecret is the JSON document stored under the provider secret id.
// Every field is optional.
type ProviderSecret struct {
	MetaAccessToken   string `json:"meta_access_token"`
	MetaPhoneNumberID string `json:"meta_phone_number_id"`
	WhapiToken        string `json:"whapi_token"`
	InfobipAPIKey     string `json:"infobip_api_key"`
	TwilioAccountSID  string `json:"twilio_account_sid"`
	TwilioAuthToken   string `json:"twilio_auth_token"`
	SMTPUser          string `json:"smtp_user"`
	SMTPPass          string `json:"smtp_pass"`
}

// SecretValueAPI is the subset of the Secrets Manager client used here.
type SecretValueAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Client fetches provider secrets.
type Client struct {
	api SecretValueAPI
}

// NewClient wraps api.
func NewClient(api SecretValueAPI) *Client {
	return &Client{api: api}
}

// NewAWSClient builds a client from the default AWS credential chain. An
// empty region falls back to the chain's own resolution.
func NewAWSClient(ctx context.Context, region string) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewClient(secretsmanager.NewFromConfig(cfg)), nil
}

// ProviderSecret fetches and decodes the secret stored under id.
func (c *Client) ProviderSecret(ctx context.Context, id string) (*ProviderSecret, error) {
	if id == "" {
		return nil, errors.New("secrets: secret id is empty")
	}
	out, err := c.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return nil, fmt.Errorf("fetch secret %q: %w", id, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %q has no string value", id)
	}
	var secret ProviderSecret
	if err := json.Unmarshal([]byte(*out.SecretString), &secret); err != nil {
		return nil, fmt.Errorf("parse secret %q: %w", id, err)
	}
	return &secret, nil
}

// Apply fills the empty credential fields of cfg from secret. Values already
// set in the environment win.
func Apply(cfg *config.ProviderConfig, secret *ProviderSecret) []string {
	if cfg == nil || secret == nil {
		return nil
	}
	var applied []string
	fill := func(name string, dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			applied = append(applied, name)
		}
	}
	fill("meta_access_token", &cfg.Meta.AccessToken, secret.MetaAccessToken)
	fill("meta_phone_number_id", &cfg.Meta.PhoneNumberID, secret.MetaPhoneNumberID)
	fill("whapi_token", &cfg.Whapi.Token, secret.WhapiToken)
	fill("infobip_api_key", &cfg.Infobip.APIKey, secret.InfobipAPIKey)
	fill("twilio_account_sid", &cfg.Twilio.AccountSID, secret.TwilioAccountSID)
	fill("twilio_auth_token", &cfg.Twilio.AuthToken, secret.TwilioAuthToken)
	fill("smtp_user", &cfg.SMTP.User, secret.SMTPUser)
	fill("smtp_pass", &cfg.SMTP.Pass, secret.SMTPPass)
	return applied
}

// Overlay fetches the configured secret and applies it to cfg.Providers. It
// is a no-op when no secret id is configured.
func Overlay(ctx context.Context, cfg *config.Config, client *Client, log zerolog.Logger) error {
	if cfg == nil || cfg.Secrets.ProviderSecretID == "" {
		return nil
	}
	if client == nil {
		return errors.New("secrets: client is required when a provider secret is configured")
	}
	secret, err := client.ProviderSecret(ctx, cfg.Secrets.ProviderSecretID)
	if err != nil {
		return err
	}
	applied := Apply(&cfg.Providers, secret)
	log.Info().
		Str("secret_id", cfg.Secrets.ProviderSecretID).
		Strs("fields", applied).
		Msg("provider credentials loaded from secrets manager")
	return nil
}
