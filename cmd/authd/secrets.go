package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	auth "github.com/goliatone/go-authcore"
)

const signingKeyField = auth.EnvPrefix + "SIGNING_KEY"

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// signingSecretFromAWS resolves the signing secret named by
// AUTHCORE_SIGNING_KEY_SECRET_ID. It returns "" when the variable is unset.
func signingSecretFromAWS(ctx context.Context) (string, error) {
	secretID := strings.TrimSpace(os.Getenv(auth.EnvPrefix + "SIGNING_KEY_SECRET_ID"))
	if secretID == "" {
		return "", nil
	}

	region := os.Getenv("AWS_REGION")
	cfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return "", err
	}
	return fetchSigningSecret(ctx, secretsmanager.NewFromConfig(cfg), secretID)
}

// fetchSigningSecret reads secretID. A JSON object payload must carry the
// AUTHCORE_SIGNING_KEY field; any other payload is the secret itself.
func fetchSigningSecret(ctx context.Context, client secretsAPI, secretID string) (string, error) {
	output, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String("AWSCURRENT"),
	})
	if err != nil {
		return "", fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	payload := ""
	switch {
	case output.SecretString != nil:
		payload = *output.SecretString
	case len(output.SecretBinary) > 0:
		payload = string(output.SecretBinary)
	default:
		return "", fmt.Errorf("secret %s has no payload", secretID)
	}

	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}

	var kv map[string]any
	if err := json.Unmarshal([]byte(trimmed), &kv); err != nil {
		return "", fmt.Errorf("parsing secret %s as JSON: %w", secretID, err)
	}
	value, ok := kv[signingKeyField]
	if !ok {
		return "", fmt.Errorf("secret %s has no %s field", secretID, signingKeyField)
	}
	return fmt.Sprint(value), nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	if region != "" {
		return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx)
}
