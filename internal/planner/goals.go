package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultGoal 在目标文件缺失时使用。
const DefaultGoal = "Default Goal: Ensure system operational"

type goalsFile struct {
	Goals []string `json:"goals" yaml:"goals"`
}

// LoadGoals 从 JSON 或 YAML 文件读取 {"goals": [...]}。
//
// 文件不存在时返回仅包含 DefaultGoal 的列表；空白目标会被忽略。
func LoadGoals(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{DefaultGoal}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取目标文件失败: %w", err)
	}

	var parsed goalsFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &parsed)
	default:
		err = json.Unmarshal(content, &parsed)
	}
	if err != nil {
		return nil, fmt.Errorf("解析目标文件 %s 失败: %w", path, err)
	}

	goals := make([]string, 0, len(parsed.Goals))
	for _, goal := range parsed.Goals {
		if goal = strings.TrimSpace(goal); goal != "" {
			goals = append(goals, goal)
		}
	}
	return goals, nil
}
