// Package gateway 封装远端推理服务：每个图节点通过命名模板发起
// 一次性或流式的推理调用，拿回纯文本回复。图引擎不直接接触
// ChatModel，便于在测试中替换为假实现。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// Client 是图节点看到的推理入口。
// Invoke 返回完整回复；Stream 边收边调 sink，最终同样返回完整回复。
// 调用失败直接上抛，由图引擎按致命错误终止本轮，不在此层重试。
type Client interface {
	Invoke(ctx context.Context, template string, vars map[string]any) (string, error)
	Stream(ctx context.Context, template string, vars map[string]any, sink func(chunk string)) (string, error)
}

// ModelConfig Ark 模型接入配置
type ModelConfig struct {
	APIKey  string        `mapstructure:"api_key" json:"api_key" yaml:"api_key"`
	ModelID string        `mapstructure:"model_id" json:"model_id" yaml:"model_id"`
	BaseURL string        `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// NewChatModel 初始化 Ark ChatModel
func NewChatModel(ctx context.Context, cfg ModelConfig) (*ark.ChatModel, error) {
	if cfg.APIKey == "" || cfg.ModelID == "" {
		return nil, fmt.Errorf("ark api_key and model_id must be set")
	}

	arkCfg := &ark.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.ModelID,
		BaseURL: cfg.BaseURL,
	}
	if cfg.Timeout > 0 {
		arkCfg.Timeout = &cfg.Timeout
	}
	return ark.NewChatModel(ctx, arkCfg)
}

// Gateway 基于 eino ChatModel 与命名模板表的 Client 实现。
type Gateway struct {
	model     model.BaseChatModel
	templates map[string]prompt.ChatTemplate
	log       *zap.Logger
}

func New(chatModel model.BaseChatModel, log *zap.Logger) *Gateway {
	return &Gateway{
		model:     chatModel,
		templates: NewTemplateRegistry(),
		log:       log,
	}
}

func (g *Gateway) format(ctx context.Context, name string, vars map[string]any) ([]*schema.Message, error) {
	tpl, ok := g.templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown prompt template %q", name)
	}
	messages, err := tpl.Format(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("format template %q: %w", name, err)
	}
	return messages, nil
}

func (g *Gateway) Invoke(ctx context.Context, template string, vars map[string]any) (string, error) {
	messages, err := g.format(ctx, template, vars)
	if err != nil {
		return "", err
	}

	start := time.Now()
	reply, err := g.model.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("gateway invoke %q: %w", template, err)
	}
	g.log.Debug("gateway invoke completed",
		zap.String("template", template),
		zap.Duration("elapsed", time.Since(start)))
	return reply.Content, nil
}

func (g *Gateway) Stream(ctx context.Context, template string, vars map[string]any, sink func(chunk string)) (string, error) {
	messages, err := g.format(ctx, template, vars)
	if err != nil {
		return "", err
	}

	reader, err := g.model.Stream(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("gateway stream %q: %w", template, err)
	}
	defer reader.Close()

	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("gateway stream %q: %w", template, err)
		}
		if chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if sink != nil {
			sink(chunk.Content)
		}
	}
	return full.String(), nil
}
