package transform

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ruankm/autopromo/internal/model"
	"github.com/Ruankm/autopromo/internal/storage"
)

// Offer is one accepted raw message entering the pipeline.
type Offer struct {
	UserID         string
	ConnectionID   string
	SourcePlatform string
	SourceGroup    string
	Text           string
}

// Pipeline turns an accepted message into zero or more destination-scoped
// jobs: link resolution, store detection, affiliate rewriting, price
// extraction, and the per-destination quality gate.
type Pipeline struct {
	store        storage.Storage
	resolver     *Resolver
	repostWindow time.Duration
	log          *slog.Logger
}

// New creates a Pipeline. repostWindow is the per-destination suppression
// window checked against the send log.
func New(store storage.Storage, resolver *Resolver, repostWindow time.Duration, log *slog.Logger) *Pipeline {
	return &Pipeline{
		store:        store,
		resolver:     resolver,
		repostWindow: repostWindow,
		log:          log,
	}
}

// Process transforms one offer and fans it out to every destination that
// passes the quality gate. It never fails the whole message on an
// enrichment error; the worst case is an unmodified passthrough.
func (p *Pipeline) Process(ctx context.Context, offer Offer, destinations []string) ([]model.Job, error) {
	text := offer.Text
	var rewrites []model.LinkRewrite
	productUID := ""
	storeSlug := ""

	for _, link := range ExtractLinks(offer.Text) {
		rw := p.rewriteLink(ctx, offer.UserID, link)
		rewrites = append(rewrites, rw.LinkRewrite)
		if rw.Rewritten != rw.Original {
			text = strings.Replace(text, rw.Original, rw.Rewritten, 1)
		}
		// The first monetizable link names the product for the gate.
		if productUID == "" && rw.StoreSlug != "" {
			storeSlug = rw.StoreSlug
			if id := ExtractProductID(rw.StoreSlug, rw.resolved); id != "" {
				productUID = ProductUniqueID(rw.StoreSlug, id)
			}
		}
	}

	priceCents, hasPrice := ExtractPriceCents(offer.Text)
	if !hasPrice {
		priceCents = 0
	}

	var jobs []model.Job
	for _, dest := range destinations {
		if !p.passesGate(ctx, offer.UserID, storeSlug, productUID, dest) {
			continue
		}
		jobs = append(jobs, model.Job{
			ID:               uuid.NewString(),
			ConnectionID:     offer.ConnectionID,
			UserID:           offer.UserID,
			SourceGroup:      offer.SourceGroup,
			DestinationGroup: dest,
			OriginalText:     offer.Text,
			Text:             text,
			Links:            rewrites,
			ProductUniqueID:  productUID,
			PriceCents:       priceCents,
			CreatedAt:        time.Now().UTC(),
		})
	}
	return jobs, nil
}

// linkRewrite carries the resolved URL alongside the public fields so the
// product id can be extracted from the post-redirect form.
type linkRewrite struct {
	model.LinkRewrite
	resolved string
}

func (p *Pipeline) rewriteLink(ctx context.Context, userID, link string) linkRewrite {
	rw := linkRewrite{
		LinkRewrite: model.LinkRewrite{Original: link, Rewritten: link},
		resolved:    link,
	}

	if p.resolver != nil {
		rw.resolved = p.resolver.Resolve(ctx, link)
	}

	slug := DetectStore(rw.resolved)
	if slug == "" {
		// Unknown host passes through unmonetized.
		return rw
	}
	rw.StoreSlug = slug

	tag, err := p.store.GetAffiliateTag(ctx, userID, slug)
	if err != nil {
		p.log.Error("affiliate tag lookup", "user_id", userID, "store", slug, "error", err)
		return rw
	}
	if tag == "" {
		// No tag configured: never fabricate one.
		return rw
	}

	rw.Rewritten = RewriteLink(slug, rw.resolved, tag)
	return rw
}

// passesGate applies the destination-local quality gate: store blacklist
// plus the repost window. A rejection affects only this destination.
func (p *Pipeline) passesGate(ctx context.Context, userID, storeSlug, productUID, destination string) bool {
	if storeSlug != "" {
		blocked, err := p.store.IsStoreBlacklisted(ctx, userID, storeSlug)
		if err != nil {
			p.log.Error("blacklist check", "user_id", userID, "store", storeSlug, "error", err)
			return false
		}
		if blocked {
			p.log.Info("offer blocked by blacklist", "user_id", userID, "store", storeSlug)
			return false
		}
	}

	if productUID != "" {
		sent, err := p.store.WasSentWithin(ctx, userID, destination, productUID, p.repostWindow)
		if err != nil {
			p.log.Error("repost window check", "user_id", userID, "product", productUID, "error", err)
			return false
		}
		if sent {
			p.log.Info("offer blocked by repost window",
				"user_id", userID, "product", productUID, "destination", destination)
			return false
		}
	}
	return true
}
