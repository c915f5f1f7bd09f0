package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"OpenMCP-Search/sdk/go/searchagent"
)

var (
	apiBase      string
	apiToken     string
	pollInterval time.Duration
)

// rootCmd 是交互式会话控制台的入口命令。
var rootCmd = &cobra.Command{
	Use:   "agentcli",
	Short: "检索智能体的交互式控制台",
	Long: `agentcli 连接会话服务，提交自然语言问题并跟踪会话直到得到回答。
智能体等待反馈时，下一行输入会作为反馈发送；输入 exit、quit 或 bye 退出。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runConsole(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&apiBase, "api", "http://127.0.0.1:8080", "会话服务地址")
	rootCmd.Flags().StringVar(&apiToken, "token", "", "服务令牌，留空表示匿名访问")
	rootCmd.Flags().DurationVar(&pollInterval, "poll-interval", 500*time.Millisecond, "会话状态轮询间隔")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runConsole(ctx context.Context) error {
	client := searchagent.NewClient(apiBase, nil)
	if apiToken != "" {
		client.SetToken(apiToken)
	}

	scanner := bufio.NewScanner(os.Stdin)
	awaitingID := ""

	fmt.Printf("已连接 %s，输入问题开始会话（exit 退出）\n", apiBase)
	for {
		if awaitingID != "" {
			fmt.Printf("[反馈 %s] > ", shortID(awaitingID))
		} else {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "exit", "quit", "bye":
			fmt.Println("再见")
			return nil
		}

		var (
			sess searchagent.Session
			err  error
		)
		if awaitingID != "" {
			sess, err = client.Input(ctx, awaitingID, line)
		} else {
			sess, err = client.Submit(ctx, searchagent.SubmitRequest{Query: line})
		}
		if err != nil {
			fmt.Println("请求失败:", err)
			continue
		}

		sess, err = client.Wait(ctx, sess.ID, pollInterval)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Println("等待会话失败:", err)
			continue
		}

		switch sess.Status {
		case searchagent.StatusCompleted:
			fmt.Println(sess.Answer)
			awaitingID = ""
		case searchagent.StatusFailed:
			fmt.Printf("会话失败 [%s]: %s\n", sess.ErrorCode, sess.LastError)
			awaitingID = ""
		case searchagent.StatusAwaitingInput:
			fmt.Println(sess.Answer)
			fmt.Println("（智能体在等待反馈：回答 yes/满意 表示认可，或继续补充问题）")
			awaitingID = sess.ID
		default:
			fmt.Println("会话状态:", sess.Status)
			awaitingID = ""
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
