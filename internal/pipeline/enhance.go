package pipeline

import (
	"context"
	"fmt"

	"github.com/yourusername/resume-forge/internal/jobs"
)

// SectionKinds は強化対象のセクションと、成果物へ反映される順序です。
var SectionKinds = []string{"summary", "experience", "skills", "projects"}

// enhanceSection は1セクション分の強化結果を生成します。
// 生成内容は決定的で、同じ入力からは常に同じ結果になります。
func enhanceSection(ctx context.Context, in StageInput, kind string) (jobs.Enhancement, error) {
	if err := ctx.Err(); err != nil {
		return jobs.Enhancement{}, err
	}

	title := in.TargetTitle
	var content string
	switch kind {
	case "summary":
		content = fmt.Sprintf("Enhanced professional summary tailored to %s", title)
	case "experience":
		content = fmt.Sprintf("Experience reframed to highlight work relevant to %s", title)
	case "skills":
		content = "Skill list expanded with keywords from the job description"
	case "projects":
		content = fmt.Sprintf("Projects repositioned to emphasize outcomes for %s", title)
	default:
		return jobs.Enhancement{}, NewError(CodeStageExecutionError,
			fmt.Sprintf("未知のセクション種別です: %s", kind), nil)
	}

	return jobs.Enhancement{
		Type:    kind,
		Content: content,
		Applied: true,
	}, nil
}
