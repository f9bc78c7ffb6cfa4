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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"ajc-platform/internal/core"
	"ajc-platform/pkg/errors"
)

// GitArchiver 每 Job 一个 git 仓库的归档后端。
// reposDir/<jobID>/ 下维护 job.json、task_specs.json、tasks/<taskID>/result.json、
// status.json，每次写入后 add + commit。
type GitArchiver struct {
	reposDir string
}

var _ Archiver = (*GitArchiver)(nil)

// NewGitArchiver 创建 git 归档后端；reposDir 不存在时创建
func NewGitArchiver(reposDir string) (*GitArchiver, error) {
	if reposDir == "" {
		return nil, errors.Validation("archive.repos_dir is required for git archive", nil)
	}
	if err := os.MkdirAll(reposDir, 0o755); err != nil {
		return nil, err
	}
	return &GitArchiver{reposDir: reposDir}, nil
}

func (g *GitArchiver) repoDir(jobID string) string {
	return filepath.Join(g.reposDir, jobID)
}

func (g *GitArchiver) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return nil
}

func (g *GitArchiver) writeJSON(dir, name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (g *GitArchiver) commit(ctx context.Context, dir, message string) error {
	if err := g.git(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	// 无变更时 commit 返回非零，忽略
	cmd := exec.CommandContext(ctx, "git", "commit", "-m", message)
	cmd.Dir = dir
	_ = cmd.Run()
	return nil
}

func (g *GitArchiver) InitJobRepo(ctx context.Context, job *core.Job) error {
	dir := g.repoDir(job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := g.git(ctx, dir, "init"); err != nil {
			return err
		}
	}
	if err := g.writeJSON(dir, "job.json", job); err != nil {
		return err
	}
	return g.commit(ctx, dir, fmt.Sprintf("init job %s", job.ID))
}

func (g *GitArchiver) CommitTaskSpecs(ctx context.Context, jobID string, tasks []*core.Task) error {
	dir := g.repoDir(jobID)
	if err := g.writeJSON(dir, "task_specs.json", tasks); err != nil {
		return err
	}
	return g.commit(ctx, dir, fmt.Sprintf("task specs for job %s (%d tasks)", jobID, len(tasks)))
}

func (g *GitArchiver) CommitTaskResult(ctx context.Context, task *core.Task) error {
	dir := g.repoDir(task.JobID)
	name := filepath.Join("tasks", task.ID, "result.json")
	if err := g.writeJSON(dir, name, task); err != nil {
		return err
	}
	return g.commit(ctx, dir, fmt.Sprintf("result for task %s (%s)", task.ID, task.Status))
}

func (g *GitArchiver) CommitJobStatus(ctx context.Context, job *core.Job) error {
	dir := g.repoDir(job.ID)
	if err := g.writeJSON(dir, "status.json", job); err != nil {
		return err
	}
	return g.commit(ctx, dir, fmt.Sprintf("job %s status %s", job.ID, job.Status))
}
