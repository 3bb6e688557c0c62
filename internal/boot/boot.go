// Package boot provides shared startup logic for the studio server: AWS
// config, storage clients, and credential loading from SSM Parameter Store
// with environment-variable overrides for local development.
package boot

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/ad-video-studio/internal/assets"
	"github.com/fpang/ad-video-studio/internal/credits"
	"github.com/fpang/ad-video-studio/internal/store"
)

// AWSClients holds the core AWS SDK clients used by the server.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// InitPublisher creates the S3 asset publisher from the bucket named by the
// given environment variable. Fatals if the env var is empty.
func InitPublisher(cfg aws.Config, bucketEnvVar string) *assets.Publisher {
	bucket := os.Getenv(bucketEnvVar)
	if bucket == "" {
		log.Fatal().Str("envVar", bucketEnvVar).Msg("Bucket environment variable is required")
	}
	return assets.NewPublisher(s3.NewFromConfig(cfg), bucket)
}

// InitDynamo creates the draft store and credit ledger on the table named by
// the given environment variable. Fatals if the env var is empty.
func InitDynamo(cfg aws.Config, tableEnvVar string) (*store.DynamoStore, *credits.DynamoLedger) {
	tableName := os.Getenv(tableEnvVar)
	if tableName == "" {
		log.Fatal().Str("envVar", tableEnvVar).Msg("DynamoDB table environment variable is required")
	}
	ddbClient := dynamodb.NewFromConfig(cfg)
	return store.NewDynamoStore(ddbClient, tableName), credits.NewDynamoLedger(ddbClient, tableName)
}

// loadParam fetches one SSM parameter into the given env var if the var is
// not already set. paramEnvVar overrides the default parameter name.
func loadParam(ssmClient *ssm.Client, envVar, paramEnvVar, defaultParam string, decrypt bool) {
	if os.Getenv(envVar) != "" {
		return
	}
	paramName := os.Getenv(paramEnvVar)
	if paramName == "" {
		paramName = defaultParam
	}
	result, err := ssmClient.GetParameter(context.Background(), &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(decrypt),
	})
	if err != nil {
		log.Fatal().Err(err).Str("param", paramName).Msg("Failed to read parameter from SSM")
	}
	os.Setenv(envVar, *result.Parameter.Value)
	log.Debug().Str("param", paramName).Str("envVar", envVar).Msg("Parameter loaded from SSM")
}

// LoadGeminiKey ensures GEMINI_API_KEY is set, fetching it from SSM if needed.
func LoadGeminiKey(ssmClient *ssm.Client) {
	loadParam(ssmClient, "GEMINI_API_KEY", "SSM_API_KEY_PARAM", "/ad-video-studio/prod/gemini-api-key", true)
}

// LoadRenderCreds ensures RENDER_API_BASE_URL and RENDER_API_KEY are set,
// fetching them from SSM if needed.
func LoadRenderCreds(ssmClient *ssm.Client) {
	loadParam(ssmClient, "RENDER_API_BASE_URL", "SSM_RENDER_BASE_URL_PARAM", "/ad-video-studio/prod/render-base-url", false)
	loadParam(ssmClient, "RENDER_API_KEY", "SSM_RENDER_API_KEY_PARAM", "/ad-video-studio/prod/render-api-key", true)
}
