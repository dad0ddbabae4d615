package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"Chimera-Swarm/pkg/logger"
)

// Service 用静态令牌保护 HTTP 端点。未配置任何令牌时认证处于关闭状态。
type Service struct {
	entries []entry
	audit   *slog.Logger
}

type entry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// NewService 构造身份认证服务实例，令牌只以摘要形式保存在内存中。
func NewService(tokens []TokenConfig) (*Service, error) {
	s := &Service{audit: logger.Audit()}
	seen := make(map[[sha256.Size]byte]string, len(tokens))
	for i, cfg := range tokens {
		token := strings.TrimSpace(cfg.Token)
		if token == "" {
			return nil, fmt.Errorf("第 %d 个令牌为空", i)
		}
		name := cfg.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		digest := sha256.Sum256([]byte(token))
		if prev, ok := seen[digest]; ok {
			return nil, fmt.Errorf("令牌 %s 与 %s 重复", name, prev)
		}
		seen[digest] = name
		perms := cfg.Permissions
		if len(perms) == 0 {
			perms = []string{PermissionRead}
		}
		subject := Subject{Name: name, Permissions: append([]string(nil), perms...), Disabled: cfg.Disabled}
		subject.normalise()
		s.entries = append(s.entries, entry{digest: digest, subject: subject})
	}
	return s, nil
}

// Enabled 表示是否配置了至少一个令牌。
func (s *Service) Enabled() bool {
	return s != nil && len(s.entries) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回匹配的主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	// 遍历全部条目，耗时与命中位置无关。
	for i := range s.entries {
		if subtle.ConstantTimeCompare(digest[:], s.entries[i].digest[:]) == 1 {
			subject := s.entries[i].subject
			match = &subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match, nil
}
