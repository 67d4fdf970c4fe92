// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package vault

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	sharedconfig "tracklane/platform/shared/config"
)

// LoadMasterKey sources the 32-byte master key per the vault configuration:
// AWS Secrets Manager when a secret ARN is configured, otherwise a
// base64-encoded environment variable. The key value itself is never logged.
func LoadMasterKey(ctx context.Context, cfg sharedconfig.VaultConfig) ([]byte, error) {
	if cfg.MasterKeySecretARN != "" {
		return keyFromSecretsManager(ctx, cfg)
	}
	return keyFromEnv(cfg.MasterKeyEnv)
}

func keyFromEnv(envName string) ([]byte, error) {
	if envName == "" {
		envName = "CREDENTIAL_MASTER_KEY"
	}
	encoded := os.Getenv(envName)
	if encoded == "" {
		return nil, fmt.Errorf("vault: %s is not set and no secret ARN is configured", envName)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault: %s is not valid base64: %w", envName, err)
	}
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

func keyFromSecretsManager(ctx context.Context, cfg sharedconfig.VaultConfig) ([]byte, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(cfg.MasterKeySecretARN),
	})
	if err != nil {
		return nil, fmt.Errorf("vault: failed to fetch master key secret: %w", err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("vault: master key secret has no string value")
	}

	key, err := base64.StdEncoding.DecodeString(*result.SecretString)
	if err != nil {
		return nil, fmt.Errorf("vault: master key secret is not valid base64: %w", err)
	}
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}
