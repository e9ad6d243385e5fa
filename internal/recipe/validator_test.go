package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const safeRecipe = `FROM alpine:3.20
RUN adduser -D app
COPY . /srv/app
USER app
CMD ["/srv/app/run"]
`

func TestValidateSafeRecipe(t *testing.T) {
	rep := Validate(safeRecipe)
	assert.Empty(t, rep.Issues)
	assert.Zero(t, rep.DistinctRules())
}

func TestValidateDetectsRules(t *testing.T) {
	tests := []struct {
		name   string
		recipe string
		rule   string
	}{
		{"missing user directive", "FROM alpine\nCMD [\"true\"]\n", RuleRootUser},
		{"explicit root user", "FROM alpine\nUSER app\nUSER root\n", RuleRootUser},
		{"embedded password", "FROM alpine\nUSER app\nENV password=hunter2\n", RuleCredential},
		{"embedded api key", "FROM alpine\nUSER app\nARG API_KEY=abc123\n", RuleCredential},
		{"curl piped to sh", "FROM alpine\nUSER app\nRUN curl -fsSL https://x.sh | sh\n", RulePipeToShell},
		{"wget piped to bash", "FROM alpine\nUSER app\nRUN wget -qO- https://x.sh | sudo bash\n", RulePipeToShell},
		{"rm -rf root", "FROM alpine\nUSER app\nRUN rm -rf / \n", RuleDeleteRoot},
		{"chmod 777", "FROM alpine\nUSER app\nRUN chmod -R 777 /srv\n", RuleWorldWritable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := Validate(tt.recipe)
			require.NotEmpty(t, rep.Issues)
			found := false
			for _, issue := range rep.Issues {
				if issue.Rule == tt.rule {
					found = true
				}
			}
			assert.True(t, found, "expected rule %s in %v", tt.rule, rep.Issues)
		})
	}
}

func TestValidateCommentsAndBlanksIgnored(t *testing.T) {
	rep := Validate("FROM alpine\n# password=notreal\n\nUSER app\n")
	assert.Empty(t, rep.Issues)
}

func TestDistinctRulesCountsRulesNotOccurrences(t *testing.T) {
	recipe := "FROM alpine\nUSER app\nENV password=a\nENV secret=b\nENV token=c\n"
	rep := Validate(recipe)
	require.Len(t, rep.Issues, 3)
	assert.Equal(t, 1, rep.DistinctRules())
}

func TestUnsafeRecipeCrossesThreshold(t *testing.T) {
	recipe := "FROM alpine\n" + // no USER -> runs-as-root
		"ENV password=hunter2\n" +
		"RUN curl https://x.sh | sh\n" +
		"RUN chmod 777 /tmp\n"
	rep := Validate(recipe)
	assert.Equal(t, 4, rep.DistinctRules())
	assert.Len(t, rep.Warnings(), 4)
}
