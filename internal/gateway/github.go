// internal/gateway/github.go
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/landd/internal/config"
	"github.com/fyrsmithlabs/landd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/landd/internal/gateway"

// ProviderConfig configures the GitHub provider gateway.
type ProviderConfig struct {
	Owner       string
	Repo        string
	Token       config.Secret
	CallTimeout time.Duration
	MaxRetries  int
	// RateLimit is requests per second allowed client-side.
	RateLimit float64
}

// githubProvider implements Provider against the GitHub API. Every call is
// rate limited, bounded by the call timeout, and retried with exponential
// backoff while classified transient.
type githubProvider struct {
	client  *github.Client
	owner   string
	repo    string
	limiter *rate.Limiter
	cfg     ProviderConfig
	logger  *logging.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	callCounter metric.Int64Counter
}

// NewProvider creates the GitHub provider gateway.
func NewProvider(ctx context.Context, cfg ProviderConfig, logger *logging.Logger) (Provider, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("owner and repo are required")
	}
	if !cfg.Token.IsSet() {
		return nil, errors.New("GitHub token not set")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)

	p := &githubProvider{
		client:  github.NewClient(tc),
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	p.initMetrics()
	return p, nil
}

func (p *githubProvider) initMetrics() {
	var err error
	p.callCounter, err = p.meter.Int64Counter(
		"landd.gateway.provider_calls_total",
		metric.WithDescription("Total GitHub API calls issued by the gateway"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		p.logger.Warn(context.Background(), "failed to create call counter", zap.Error(err))
	}
}

// call runs one provider operation through the rate limiter, timeout and
// retry policy. fn must be safe to invoke more than once.
func (p *githubProvider) call(ctx context.Context, op string, fn func(ctx context.Context) (*github.Response, error)) error {
	ctx, span := p.tracer.Start(ctx, op)
	defer span.End()

	attempts := 0
	operation := func() error {
		attempts++
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(newError(KindFatal, op, err))
		}
		cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()

		resp, err := fn(cctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err, resp) {
			return backoff.Permanent(classifyResponse(op, err, resp))
		}
		p.logger.Warn(ctx, "retrying provider call after transient error",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Int("status_code", statusCode(resp)),
			zap.Error(err),
		)
		return newError(KindTransient, op, err)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.cfg.MaxRetries)),
		ctx,
	)
	err := backoff.Retry(operation, bo)

	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	if p.callCounter != nil {
		p.callCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
	}
	if err == nil {
		return nil
	}

	var ge *Error
	if errors.As(err, &ge) && ge.Kind != KindTransient {
		return ge
	}
	// Transient all the way through: the retry budget is spent.
	return newError(KindFatal, op,
		fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, err))
}

// isRetryable classifies a GitHub API failure as transient or not.
func isRetryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if resp != nil && resp.Response != nil {
		switch code := resp.Response.StatusCode; code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		case http.StatusForbidden:
			// Forbidden with rate headers is a secondary rate limit.
			return resp.Rate.Limit > 0
		case http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity:
			return false
		default:
			return code >= 500 && code < 600
		}
	}
	// No response at all: network-level failure.
	return true
}

// classifyResponse maps a non-retryable failure into the taxonomy.
func classifyResponse(op string, err error, resp *github.Response) *Error {
	if resp != nil && resp.Response != nil && resp.Response.StatusCode == http.StatusNotFound {
		return newError(KindNotFound, op, err)
	}
	return newError(KindFatal, op, err)
}

func statusCode(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.Response.StatusCode
}

func convertIssue(issue *github.Issue) *WorkItem {
	w := &WorkItem{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		State:     issue.GetState(),
		Assignee:  issue.GetAssignee().GetLogin(),
		CreatedAt: issue.GetCreatedAt().Time,
	}
	for _, l := range issue.Labels {
		w.Labels = append(w.Labels, l.GetName())
	}
	return w
}

func convertPull(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		Number: pr.GetNumber(),
		State:  pr.GetState(),
		Merged: pr.GetMerged(),
		Head:   pr.GetHead().GetRef(),
		Base:   pr.GetBase().GetRef(),
	}
}

func (p *githubProvider) GetWorkItem(ctx context.Context, number int) (*WorkItem, error) {
	var item *WorkItem
	err := p.call(ctx, "provider.get_work_item", func(ctx context.Context) (*github.Response, error) {
		issue, resp, err := p.client.Issues.Get(ctx, p.owner, p.repo, number)
		if err == nil {
			item = convertIssue(issue)
		}
		return resp, err
	})
	return item, err
}

func (p *githubProvider) ListWorkItemsByLabel(ctx context.Context, label string) ([]*WorkItem, error) {
	var items []*WorkItem
	err := p.call(ctx, "provider.list_work_items", func(ctx context.Context) (*github.Response, error) {
		items = items[:0]
		opts := &github.IssueListByRepoOptions{
			Labels:      []string{label},
			State:       "open",
			ListOptions: github.ListOptions{PerPage: 100},
		}
		for {
			issues, resp, err := p.client.Issues.ListByRepo(ctx, p.owner, p.repo, opts)
			if err != nil {
				return resp, err
			}
			for _, issue := range issues {
				if issue.IsPullRequest() {
					continue
				}
				items = append(items, convertIssue(issue))
			}
			if resp.NextPage == 0 {
				return resp, nil
			}
			opts.Page = resp.NextPage
		}
	})
	return items, err
}

func (p *githubProvider) AddLabel(ctx context.Context, number int, label string) error {
	return p.call(ctx, "provider.add_label", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := p.client.Issues.AddLabelsToIssue(ctx, p.owner, p.repo, number, []string{label})
		return resp, err
	})
}

func (p *githubProvider) RemoveLabel(ctx context.Context, number int, label string) error {
	err := p.call(ctx, "provider.remove_label", func(ctx context.Context) (*github.Response, error) {
		resp, err := p.client.Issues.RemoveLabelForIssue(ctx, p.owner, p.repo, number, label)
		return resp, err
	})
	// Removing an absent label must stay a no-op so plans can re-run.
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (p *githubProvider) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	err := p.call(ctx, "provider.get_branch", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := p.client.Repositories.GetBranch(ctx, p.owner, p.repo, branch, 1)
		return resp, err
	})
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *githubProvider) CreateRemoteBranch(ctx context.Context, branch, from string) error {
	var sha string
	err := p.call(ctx, "provider.get_ref", func(ctx context.Context) (*github.Response, error) {
		ref, resp, err := p.client.Git.GetRef(ctx, p.owner, p.repo, "refs/heads/"+from)
		if err == nil {
			sha = ref.GetObject().GetSHA()
		}
		return resp, err
	})
	if err != nil {
		return err
	}
	return p.call(ctx, "provider.create_ref", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := p.client.Git.CreateRef(ctx, p.owner, p.repo, &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: &github.GitObject{SHA: github.String(sha)},
		})
		return resp, err
	})
}

func (p *githubProvider) DeleteRemoteBranch(ctx context.Context, branch string) error {
	return p.call(ctx, "provider.delete_ref", func(ctx context.Context) (*github.Response, error) {
		resp, err := p.client.Git.DeleteRef(ctx, p.owner, p.repo, "refs/heads/"+branch)
		return resp, err
	})
}

func (p *githubProvider) CreatePull(ctx context.Context, pull NewPull) (*PullRequest, error) {
	var created *PullRequest
	err := p.call(ctx, "provider.create_pull", func(ctx context.Context) (*github.Response, error) {
		pr, resp, err := p.client.PullRequests.Create(ctx, p.owner, p.repo, &github.NewPullRequest{
			Title: github.String(pull.Title),
			Body:  github.String(pull.Body),
			Head:  github.String(pull.Head),
			Base:  github.String(pull.Base),
		})
		if err == nil {
			created = convertPull(pr)
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if len(pull.Labels) > 0 {
		err = p.call(ctx, "provider.label_pull", func(ctx context.Context) (*github.Response, error) {
			_, resp, err := p.client.Issues.AddLabelsToIssue(ctx, p.owner, p.repo, created.Number, pull.Labels)
			return resp, err
		})
		if err != nil {
			p.logger.Warn(ctx, "pull request created but labeling failed",
				zap.Int("pr", created.Number), zap.Error(err))
		}
	}
	return created, nil
}

func (p *githubProvider) GetPull(ctx context.Context, number int) (*PullRequest, error) {
	var pull *PullRequest
	err := p.call(ctx, "provider.get_pull", func(ctx context.Context) (*github.Response, error) {
		pr, resp, err := p.client.PullRequests.Get(ctx, p.owner, p.repo, number)
		if err == nil {
			pull = convertPull(pr)
		}
		return resp, err
	})
	return pull, err
}

func (p *githubProvider) CreateIssue(ctx context.Context, issue NewIssue) (int, error) {
	var number int
	err := p.call(ctx, "provider.create_issue", func(ctx context.Context) (*github.Response, error) {
		req := &github.IssueRequest{
			Title: github.String(issue.Title),
			Body:  github.String(issue.Body),
		}
		if len(issue.Labels) > 0 {
			req.Labels = &issue.Labels
		}
		created, resp, err := p.client.Issues.Create(ctx, p.owner, p.repo, req)
		if err == nil {
			number = created.GetNumber()
		}
		return resp, err
	})
	return number, err
}

func (p *githubProvider) CommentOnIssue(ctx context.Context, number int, body string) error {
	return p.call(ctx, "provider.comment", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := p.client.Issues.CreateComment(ctx, p.owner, p.repo, number, &github.IssueComment{
			Body: github.String(body),
		})
		return resp, err
	})
}
