// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"ajc-platform/internal/core"
)

// ObjectArchiver 对象存储归档后端（MinIO / S3 兼容）。
// 对象布局：<jobID>/job.json、<jobID>/task_specs.json、
// <jobID>/tasks/<taskID>/result.json、<jobID>/status.json
type ObjectArchiver struct {
	client *minio.Client
	bucket string
}

var _ Archiver = (*ObjectArchiver)(nil)

// ObjectConfig 对象存储连接参数
type ObjectConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewObjectArchiver 建立客户端并确保 bucket 存在
func NewObjectArchiver(ctx context.Context, cfg ObjectConfig) (*ObjectArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return &ObjectArchiver{client: client, bucket: cfg.Bucket}, nil
}

func (o *ObjectArchiver) putJSON(ctx context.Context, objectName string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = o.client.PutObject(ctx, o.bucket, objectName, bytes.NewReader(b), int64(len(b)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (o *ObjectArchiver) InitJobRepo(ctx context.Context, job *core.Job) error {
	return o.putJSON(ctx, job.ID+"/job.json", job)
}

func (o *ObjectArchiver) CommitTaskSpecs(ctx context.Context, jobID string, tasks []*core.Task) error {
	return o.putJSON(ctx, jobID+"/task_specs.json", tasks)
}

func (o *ObjectArchiver) CommitTaskResult(ctx context.Context, task *core.Task) error {
	return o.putJSON(ctx, fmt.Sprintf("%s/tasks/%s/result.json", task.JobID, task.ID), task)
}

func (o *ObjectArchiver) CommitJobStatus(ctx context.Context, job *core.Job) error {
	return o.putJSON(ctx, job.ID+"/status.json", job)
}
