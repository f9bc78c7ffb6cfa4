package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ajc-platform/internal/core"
	"ajc-platform/pkg/client"
)

var (
	version = "0.1.0"
	apiURL  string
	api     *client.Client
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ajc",
		Short: "任务编排平台命令行工具",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("AJC_API_URL")
			}
			if apiURL == "" {
				apiURL = "http://localhost:3000"
			}
			api = client.New(apiURL)
		},
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "API 地址（默认 $AJC_API_URL 或 http://localhost:3000）")

	rootCmd.AddCommand(versionCmd(), jobCmd(), taskCmd(), agentCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ajc-platform cli " + version)
		},
	}
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Job 管理命令",
	}

	var name, description, specJSON string
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "提交新 Job",
		Run: func(cmd *cobra.Command, args []string) {
			spec, err := parseSpec(specJSON)
			if err != nil {
				fatal("解析 job_spec 失败: %v", err)
			}
			job, err := api.SubmitJob(context.Background(), client.SubmitJobRequest{
				Name:        name,
				Description: description,
				JobSpec:     spec,
			})
			if err != nil {
				fatal("提交失败: %v", err)
			}
			fmt.Println(prettyJSON(job))
		},
	}
	submitCmd.Flags().StringVar(&name, "name", "", "Job 名称（必填）")
	submitCmd.Flags().StringVar(&description, "description", "", "Job 描述")
	submitCmd.Flags().StringVar(&specJSON, "spec", "{}", "job_spec JSON；@file 从文件读取")

	var statusFilter string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "列出 Job",
		Run: func(cmd *cobra.Command, args []string) {
			jobs, err := api.ListJobs(context.Background(), statusFilter)
			if err != nil {
				fatal("列出 Jobs 失败: %v", err)
			}
			fmt.Println(prettyJSON(jobs))
		},
	}
	listCmd.Flags().StringVar(&statusFilter, "status", "", "按状态过滤")

	getCmd := &cobra.Command{
		Use:   "get <job_id>",
		Short: "查询单个 Job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			job, err := api.GetJob(context.Background(), args[0])
			if err != nil {
				fatal("查询失败: %v", err)
			}
			fmt.Println(prettyJSON(job))
		},
	}

	tasksCmd := &cobra.Command{
		Use:   "tasks <job_id>",
		Short: "列出 Job 的全部 Task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			tasks, err := api.JobTasks(context.Background(), args[0])
			if err != nil {
				fatal("列出 Tasks 失败: %v", err)
			}
			fmt.Println(prettyJSON(tasks))
		},
	}

	eventsCmd := &cobra.Command{
		Use:   "events <job_id>",
		Short: "输出 Job 事件时间线",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			events, err := api.JobEvents(context.Background(), args[0])
			if err != nil {
				fatal("获取事件流失败: %v", err)
			}
			fmt.Println(prettyJSON(events))
		},
	}

	var approveAgent string
	approveCmd := &cobra.Command{
		Use:   "approve <job_id>",
		Short: "以指定 Agent 对 Job 投一票",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			job, err := api.Approve(context.Background(), args[0], approveAgent)
			if err != nil {
				if apiErr, ok := err.(*client.APIError); ok && apiErr.RetryAfter() > 0 {
					fatal("投票被限流，%s 后可重试", apiErr.RetryAfter().Round(time.Second))
				}
				fatal("投票失败: %v", err)
			}
			fmt.Printf("approvals: %d/%d status: %s\n", job.ApprovalCount, job.RequiredApprovals, job.Status)
		},
	}
	approveCmd.Flags().StringVar(&approveAgent, "agent", "", "投票 Agent ID（必填）")

	watchCmd := &cobra.Command{
		Use:   "watch <job_id>",
		Short: "轮询 Job 状态直到终态",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			for {
				job, err := api.GetJob(context.Background(), args[0])
				if err != nil {
					fatal("查询失败: %v", err)
				}
				fmt.Printf("status: %-10s tasks: %d/%d completed, %d failed\n",
					job.Status, job.CompletedTasks, job.TotalTasks, job.FailedTasks)
				if job.Status == core.JobCompleted || job.Status == core.JobFailed {
					return
				}
				time.Sleep(2 * time.Second)
			}
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Job 状态统计",
		Run: func(cmd *cobra.Command, args []string) {
			stats, err := api.JobStats(context.Background())
			if err != nil {
				fatal("统计失败: %v", err)
			}
			fmt.Println(prettyJSON(stats))
		},
	}

	cmd.AddCommand(submitCmd, listCmd, getCmd, tasksCmd, eventsCmd, approveCmd, watchCmd, statsCmd)
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Task 查询命令",
	}

	getCmd := &cobra.Command{
		Use:   "get <task_id>",
		Short: "查询单个 Task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			task, err := api.GetTask(context.Background(), args[0])
			if err != nil {
				fatal("查询失败: %v", err)
			}
			fmt.Println(prettyJSON(task))
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history <task_id>",
		Short: "输出 Task 状态流转历史",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			history, err := api.TaskHistory(context.Background(), args[0])
			if err != nil {
				fatal("获取历史失败: %v", err)
			}
			fmt.Println(prettyJSON(history))
		},
	}

	cmd.AddCommand(getCmd, historyCmd)
	return cmd
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent 管理命令",
	}

	var name string
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "注册 Agent，返回 agent_id",
		Run: func(cmd *cobra.Command, args []string) {
			if name == "" {
				name = "cli-agent"
			}
			res, err := api.RegisterAgent(context.Background(), client.RegisterAgentRequest{Name: name})
			if err != nil {
				fatal("注册失败: %v", err)
			}
			fmt.Println(res.Agent.ID)
		},
	}
	registerCmd.Flags().StringVar(&name, "name", "", "Agent 名称")

	var statusFilter string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "列出 Agent",
		Run: func(cmd *cobra.Command, args []string) {
			agents, err := api.ListAgents(context.Background(), statusFilter)
			if err != nil {
				fatal("列出 Agents 失败: %v", err)
			}
			fmt.Println(prettyJSON(agents))
		},
	}
	listCmd.Flags().StringVar(&statusFilter, "status", "", "按状态过滤")

	canApproveCmd := &cobra.Command{
		Use:   "can-approve <agent_id>",
		Short: "查询 Agent 当前是否可投票",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			quota, err := api.CanApprove(context.Background(), args[0])
			if err != nil {
				fatal("查询失败: %v", err)
			}
			fmt.Println(prettyJSON(quota))
		},
	}

	cmd.AddCommand(registerCmd, listCmd, canApproveCmd)
	return cmd
}

// parseSpec 解析 --spec 参数；"@path" 时从文件读取
func parseSpec(s string) (core.Payload, error) {
	if s == "" {
		return nil, nil
	}
	raw := []byte(s)
	if s[0] == '@' {
		b, err := os.ReadFile(s[1:])
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var spec core.Payload
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
