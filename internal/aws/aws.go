package aws

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
)

// ssmAPI 与 s3API 只声明用到的方法，便于测试替换
type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Clients struct {
	bucketName string
	region     string
	s3Client   s3API
	ssmClient  ssmAPI
}

// New 加载默认凭证链创建SSM与S3客户端，bucketName为空时不支持上传二维码
func New(ctx context.Context, bucketName, region string) (*Clients, error) {
	if region == "" {
		return nil, errors.New("aws region not present")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws sdk config")
	}
	log.Infof("AWS clients initialized for region %v", region)
	return &Clients{
		bucketName: bucketName,
		region:     region,
		s3Client:   s3.NewFromConfig(cfg),
		ssmClient:  ssm.NewFromConfig(cfg),
	}, nil
}

// GetParameter 读取并解密SSM参数值
func (s *Clients) GetParameter(ctx context.Context, paramName string) (string, error) {
	output, err := s.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(paramName),
		WithDecryption: true,
	})
	if err != nil {
		return "", errors.WrapfAndReport(err, "query parameter %v from ssm", paramName)
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return "", errors.Errorf("ssm parameter %v has no value", paramName)
	}
	return *output.Parameter.Value, nil
}

// PublishQRCode 上传二维码PNG并返回公开访问地址
func (s *Clients) PublishQRCode(ctx context.Context, userID string, png []byte) (string, error) {
	if s.bucketName == "" {
		return "", errors.New("s3 bucket not configured")
	}
	key := fmt.Sprintf("walletconnect/qr/%v/%v.png", userID, time.Now().UnixMilli())
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		ACL:         types.ObjectCannedACLPublicRead,
		ContentType: aws.String("image/png"),
		Body:        bytes.NewReader(png),
	})
	if err != nil {
		return "", errors.WrapAndReport(err, "put qr code to s3")
	}
	return s.PublicS3AccessURLFrom(key), nil
}

const (
	httpsStr  = "https://"
	s3DotStr  = ".s3."
	amazonStr = ".amazonaws.com/"
)

func (s *Clients) PublicS3AccessURLFrom(key string) string {
	var buf bytes.Buffer
	buf.WriteString(httpsStr)
	buf.WriteString(s.bucketName)
	buf.WriteString(s3DotStr)
	buf.WriteString(s.region)
	buf.WriteString(amazonStr)
	buf.WriteString(key)
	return buf.String()
}
