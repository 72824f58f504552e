package oss

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/qs3c/karaoke_go_server/config"
)

// Client 产物上传客户端。配置为空时处理结果只留在本地磁盘，
// 配置了 bucket 后收尾阶段会把产物同步到 OSS。
type Client struct {
	client     *oss.Client
	bucket     *oss.Bucket
	bucketName string
	cdnDomain  string
}

func NewClient(cfg *config.OSSConfig) (*Client, error) {
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create OSS client: %w", err)
	}

	bucket, err := client.Bucket(cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}

	return &Client{
		client:     client,
		bucket:     bucket,
		bucketName: cfg.BucketName,
		cdnDomain:  cfg.CDNDomain,
	}, nil
}

// UploadArtifact 上传单个处理产物，object key 形如 jobs/<job_id>/<name>
func (c *Client) UploadArtifact(jobID, name, localPath string) (string, error) {
	objectKey := fmt.Sprintf("jobs/%s/%s", jobID, name)

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	contentType := getContentType(filepath.Ext(localPath))
	if err := c.bucket.PutObject(objectKey, f, oss.ContentType(contentType)); err != nil {
		return "", fmt.Errorf("failed to upload artifact: %w", err)
	}

	return c.GetURL(objectKey), nil
}

// DeleteJobArtifacts 删除某任务的全部远端产物
func (c *Client) DeleteJobArtifacts(jobID string) error {
	prefix := fmt.Sprintf("jobs/%s/", jobID)

	marker := ""
	for {
		lsRes, err := c.bucket.ListObjects(oss.Prefix(prefix), oss.Marker(marker))
		if err != nil {
			return fmt.Errorf("failed to list artifacts: %w", err)
		}
		for _, object := range lsRes.Objects {
			if err := c.bucket.DeleteObject(object.Key); err != nil {
				return fmt.Errorf("failed to delete object %s: %w", object.Key, err)
			}
		}
		if !lsRes.IsTruncated {
			return nil
		}
		marker = lsRes.NextMarker
	}
}

// GetURL 获取文件访问 URL
func (c *Client) GetURL(objectKey string) string {
	if c.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", c.cdnDomain, objectKey)
	}
	return fmt.Sprintf("https://%s.%s/%s", c.bucketName, c.client.Config.Endpoint, objectKey)
}

// GetSignedURL 生成带签名的临时访问URL（默认1小时有效）
func (c *Client) GetSignedURL(objectKey string, expireSeconds ...int64) (string, error) {
	expire := int64(3600)
	if len(expireSeconds) > 0 && expireSeconds[0] > 0 {
		expire = expireSeconds[0]
	}

	signedURL, err := c.bucket.SignURL(objectKey, oss.HTTPGet, expire)
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}

	return signedURL, nil
}

// getContentType 根据扩展名获取 Content-Type
func getContentType(ext string) string {
	switch ext {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".m4a":
		return "audio/mp4"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
